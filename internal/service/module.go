package service

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/pubsub"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	"github.com/agentmesh/agent-hub/internal/engine"
)

var Module = fx.Module("service",
	fx.Provide(
		func(cfg *config.Config, reg *registry.Hub, eng *engine.Engine, bus *pubsub.Bus, log *slog.Logger) (*Hub, error) {
			var opts []HubOption
			if cfg.Broker.URL != "" {
				exporter, err := pubsub.NewExporter(cfg.Broker.URL, bus, log)
				if err != nil {
					return nil, err
				}
				opts = append(opts, WithExporter(exporter))
			}
			return NewHub(cfg, reg, eng, bus, opts...), nil
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h *Hub) {
		lc.Append(fx.Hook{
			OnStart: h.Start,
			OnStop:  h.Stop,
		})
	}),
)

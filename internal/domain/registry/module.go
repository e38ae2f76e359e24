package registry

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/config"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, sink EventSink, log *slog.Logger) *Hub {
			return NewHub(
				WithMailboxSize(cfg.Session.MailboxSize),
				WithSendTimeout(cfg.Delivery.Timeout),
				WithEventSink(sink),
				WithLogger(log),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
)

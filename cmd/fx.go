package cmd

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/pubsub"
	"github.com/agentmesh/agent-hub/internal/dispatch"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	"github.com/agentmesh/agent-hub/internal/handler/ws"
	"github.com/agentmesh/agent-hub/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideTracerProvider,
			ProvideEngine,
		),
		fx.Invoke(func(tp trace.TracerProvider) error { return nil }),
		pubsub.Module,
		registry.Module,
		dispatch.Module,
		service.Module,
		ws.Module,
	)
}

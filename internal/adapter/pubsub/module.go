package pubsub

import (
	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/internal/dispatch"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		NewBus,

		// The bus doubles as the event sink of the registry and the
		// publisher side of the dispatch fabric.
		func(b *Bus) registry.EventSink { return b },
		func(b *Bus) dispatch.Publisher { return b },
	),
)

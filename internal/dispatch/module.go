package dispatch

import (
	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/internal/engine"
)

var Module = fx.Module("dispatch",
	fx.Provide(
		New,
		func(f *Fabric) engine.Transport { return f },
	),
)

package engine

import (
	"go.uber.org/fx"
)

// Module provides the orchestrator to the fx application
var Module = fx.Options(
	fx.Provide(NewOrchestrator),
	fx.Invoke(registerOrchestrator),
)

// registerOrchestrator binds the orchestrator to the process lifecycle
func registerOrchestrator(lifecycle fx.Lifecycle, o *Orchestrator) {
	lifecycle.Append(fx.Hook{
		OnStart: o.Start,
		OnStop:  o.Stop,
	})
}

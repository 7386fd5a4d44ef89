package reconcile

import "go.uber.org/fx"

// Module exposes the reconciliation service and wires the periodic sweeper
// into the application lifecycle.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Provide(NewSweeper),
	fx.Invoke(registerSweeper),
)

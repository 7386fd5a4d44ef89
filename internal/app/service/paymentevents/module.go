package paymentevents

import "go.uber.org/fx"

// Module exposes the payment event handler via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)

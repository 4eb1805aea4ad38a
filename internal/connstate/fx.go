package connstate

import "go.uber.org/fx"

var Module = fx.Module("connstate",
	fx.Provide(NewTracker),
)

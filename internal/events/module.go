package events

import "go.uber.org/fx"

// Module provides a Dispatcher wired to whatever message.Publisher and
// metric.Meter the host application provides — both may be nil, in
// which case events are only logged and fanned out in-process for
// internal/admin's stream.
var Module = fx.Module("events",
	fx.Provide(
		fx.Annotate(
			NewDispatcher,
			fx.As(new(Dispatcher)),
		),
	),
)

package endpoint

import "go.uber.org/fx"

// Module provides the default in-memory Manager. A deployment that
// wants service discovery or DNS-backed resolution instead supplies its
// own Manager and omits this module.
var Module = fx.Module("endpoint",
	fx.Provide(
		fx.Annotate(
			NewDefaultManager,
			fx.As(new(Manager)),
		),
	),
)

package connpool

import "go.uber.org/fx"

// IdleCapacity bounds the LRU used by CloseOldConns.
type IdleCapacity int

// Module provides a *Pool sized from the host application's
// IdleCapacity value.
var Module = fx.Module("connpool",
	fx.Provide(func(cap IdleCapacity) *Pool {
		return New(int(cap))
	}),
)

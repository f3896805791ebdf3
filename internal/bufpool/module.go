package bufpool

import "go.uber.org/fx"

// BufferSize is the size each pooled buffer is allocated at; Provide
// takes it as a constructor argument so cmd/fx.go can derive it from
// the loaded configuration's max_message_size rather than hardcoding a
// pool-package default.
type BufferSize int

// MaxBuffers bounds how many buffers may be outstanding at once.
type MaxBuffers int

// Module provides a *Pool sized from the host application's
// BufferSize/MaxBuffers values.
var Module = fx.Module("bufpool",
	fx.Provide(func(size BufferSize, max MaxBuffers) *Pool {
		return New(int(size), int(max))
	}),
)

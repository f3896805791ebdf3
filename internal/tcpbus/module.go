//go:build linux

package tcpbus

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
)

// Module provides a *Bus wired from the pool/buffer/endpoint
// primitives. It does not start the event loop itself — protobus's
// Module owns that lifecycle hook, since ProtoBus must install its
// Handler/Greeter before Run is called.
var Module = fx.Module("tcpbus",
	fx.Provide(func(cfg Config, pool *connpool.Pool, bufs *bufpool.Pool, manager endpoint.Manager, dispatch events.Dispatcher, meter metric.Meter, logger *slog.Logger) (*Bus, error) {
		return New(cfg, pool, bufs, manager, dispatch, meter, logger)
	}),
)

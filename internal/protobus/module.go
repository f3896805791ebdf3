//go:build linux

package protobus

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"

	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
	"github.com/webitel/tcpbus/internal/tcpbus"
)

// Module provides a *ProtoBus over the host's *tcpbus.Bus, and owns
// starting/stopping the whole I/O stack: Start launches the wrapped
// Bus's event loop goroutine and the periodic batch flusher, Close
// tears both down.
var Module = fx.Module("protobus",
	fx.Provide(func(cfg Config, bus *tcpbus.Bus, manager endpoint.Manager, dispatch events.Dispatcher, meter metric.Meter, logger *slog.Logger) (*ProtoBus, error) {
		port, err := bus.Port()
		if err != nil {
			return nil, err
		}
		return New(cfg, bus, manager, dispatch, meter, port, logger), nil
	}),

	fx.Invoke(func(lc fx.Lifecycle, pb *ProtoBus) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				pb.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return pb.Close()
			},
		})
	}),
)

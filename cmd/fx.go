//go:build linux

package cmd

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/webitel/tcpbus/config"
	"github.com/webitel/tcpbus/internal/admin"
	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
	"github.com/webitel/tcpbus/internal/protobus"
	"github.com/webitel/tcpbus/internal/tcpbus"
)

// NewApp wires every package's fx.Module together, following the
// teacher's composition shape: one fx.Provide block of process-wide
// constructors, then one Module per internal package.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideMeter,
			ProvideTracerProvider,
			ProvidePublisher,
			ProvideBufferSize,
			ProvideMaxBuffers,
			ProvideIdleCapacity,
			ProvideTCPBusConfig,
			ProvideProtoBusConfig,
			ProvideAdminAddr,
		),
		endpoint.Module,
		bufpool.Module,
		connpool.Module,
		events.Module,
		tcpbus.Module,
		protobus.Module,
		admin.Module,

		fx.Invoke(func(lc fx.Lifecycle, tp *sdktrace.TracerProvider) {
			otel.SetTracerProvider(tp)
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return tp.Shutdown(ctx)
				},
			})
		}),
	)
}

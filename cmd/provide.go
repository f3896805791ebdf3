//go:build linux

package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/webitel/tcpbus/config"
	"github.com/webitel/tcpbus/internal/admin"
	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
	"github.com/webitel/tcpbus/internal/protobus"
	"github.com/webitel/tcpbus/internal/tcpbus"
)

// ProvideLogger mirrors the teacher's slog-everywhere convention: one
// structured logger, constructed once, injected everywhere.
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// ProvideWatermillLogger adapts the application logger to watermill's
// LoggerAdapter, the way the teacher's amqp module does for its own
// message.Router.
func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

// ProvideMeter builds an in-process otel metric.Meter. A deployment
// wiring a real OTLP exporter supplies its own MeterProvider upstream;
// the manual reader here is enough for the bus's own counters to be
// queryable without requiring a collector to be running.
func ProvideMeter() metric.Meter {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	return provider.Meter("tcpbus")
}

// ProvideTracerProvider builds an in-process span recorder for
// protobus's request/dispatch spans. Like ProvideMeter, a deployment
// with a real collector overrides this with one wired to an exporter;
// the batch-less default here still makes otel.Tracer calls cheap and
// safe with nothing attached.
func ProvideTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

// ProvidePublisher builds the optional AMQP lifecycle-event publisher.
// A zero-value AMQP.URI means no external sink: events are still
// logged, counted, and fanned out in-process for internal/admin.
func ProvidePublisher(cfg *config.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if cfg.AMQP.URI == "" {
		return nil, nil
	}
	return events.NewAMQPPublisher(cfg.AMQP.URI, cfg.AMQP.Exchange, logger)
}

// ProvideBufferSize sizes pooled buffers to comfortably hold the
// configured max message size plus its frame header.
func ProvideBufferSize(cfg *config.Config) bufpool.BufferSize {
	return bufpool.BufferSize(cfg.TCPBus.MaxMessageSize + 64)
}

// ProvideMaxBuffers is a fixed bound independent of pool fan-out; it
// only needs to comfortably exceed FixedPoolSize * a few in-flight
// frames per connection.
func ProvideMaxBuffers(cfg *config.Config) bufpool.MaxBuffers {
	return bufpool.MaxBuffers(256)
}

// ProvideIdleCapacity bounds the connpool LRU used under fd pressure.
func ProvideIdleCapacity(cfg *config.Config) connpool.IdleCapacity {
	return connpool.IdleCapacity(1024)
}

// ProvideTCPBusConfig derives tcpbus.Config from the loaded file.
func ProvideTCPBusConfig(cfg *config.Config) tcpbus.Config {
	return tcpbus.Config{
		Port:               cfg.TCPBus.Port,
		FixedPoolSize:      cfg.TCPBus.FixedPoolSize,
		MaxMessageSize:     cfg.TCPBus.MaxMessageSize,
		PendingCap:         cfg.TCPBus.PendingCap,
		MaxAcceptsPerEvent: cfg.TCPBus.MaxAcceptsPerEvent,
		DialTimeout:        cfg.TCPBus.DialTimeout,
	}
}

// ProvideProtoBusConfig derives protobus.Config from the loaded file.
// A non-empty force_endpoint address is pre-registered with manager so
// the greeting this process sends always carries a resolvable id.
func ProvideProtoBusConfig(cfg *config.Config, manager endpoint.Manager) protobus.Config {
	var forced *endpoint.ID
	if cfg.ProtoBus.ForceEndpoint != "" {
		id := manager.Register(cfg.ProtoBus.ForceEndpoint)
		forced = &id
	}
	return protobus.Config{
		MaxBatch:      cfg.ProtoBus.Batch.MaxBatch,
		MaxDelay:      cfg.ProtoBus.Batch.MaxDelay,
		Timeout:       cfg.ProtoBus.Timeout,
		ForceEndpoint: forced,
		SplitExecutor: cfg.ProtoBus.SplitExecutor,
	}
}

// ProvideAdminAddr derives the admin server's listen address.
func ProvideAdminAddr(cfg *config.Config) admin.Addr {
	return admin.Addr(cfg.Admin.Addr)
}

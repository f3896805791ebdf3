//go:build linux

package protobus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
	"github.com/webitel/tcpbus/internal/executor"
	"github.com/webitel/tcpbus/internal/future"
	"github.com/webitel/tcpbus/internal/tcpbus"
)

// ErrTimeout is delivered through a request's Future when no response
// arrives within Config.Timeout.
var ErrTimeout = errors.New("protobus: timeout exceeded")

// errNoHandler's text is sent back in an Err RESPONSE record when an
// inbound REQUEST names a method with no registered handler, so the
// requester's Future resolves with an error carrying that text rather
// than waiting for its timeout. The error value itself stays internal.
var errNoHandler = errors.New("protobus: no handler registered for method")

// Config is the ProtoBus-level slice of the configuration surface
// described in spec.md §6.
type Config struct {
	MaxBatch      int
	MaxDelay      time.Duration
	Timeout       time.Duration
	ForceEndpoint *endpoint.ID
	SplitExecutor bool
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 1
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// RequestHandler answers an inbound REQUEST record. Returning an error
// sends a RESPONSE record back with Err set and the error's text as
// its payload, rather than tearing down the connection (spec.md §7
// invariant 4).
type RequestHandler func(from endpoint.ID, data []byte) ([]byte, error)

// Result is what a request's Future resolves to.
type Result struct {
	Data []byte
	Err  error
}

type pendingRequest struct {
	promise future.Promise[Result]
	sentAt  time.Time
}

// ProtoBus wraps a tcpbus.Bus with handshake, dispatch, batching, and
// RPC correlation. It owns no sockets directly; all I/O still happens
// on the wrapped Bus's single event-loop goroutine.
type ProtoBus struct {
	cfg      Config
	bus      *tcpbus.Bus
	manager  endpoint.Manager
	logger   *slog.Logger
	dispatch events.Dispatcher

	seq atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[uint32]RequestHandler

	reqMu        sync.Mutex
	sentRequests map[uint64]*pendingRequest

	accMu       sync.Mutex
	accumulated map[endpoint.ID][]Record

	delayed *executor.DelayedExecutor
	flusher *executor.Periodic

	greetPort uint16
	tracer    trace.Tracer

	batchSizeHist metric.Int64Histogram
	latencyHist   metric.Float64Histogram
}

// New wraps bus, which must not have Run called on it yet — ProtoBus
// installs its own Handler/Greeter before starting the loop. dispatch
// and meter are both optional: a nil dispatch means request.timeout
// events are never reported, a nil meter means the batch-size/latency
// histograms are never recorded.
func New(cfg Config, bus *tcpbus.Bus, manager endpoint.Manager, dispatch events.Dispatcher, meter metric.Meter, greetPort uint16, logger *slog.Logger) *ProtoBus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	pb := &ProtoBus{
		cfg:          cfg,
		bus:          bus,
		manager:      manager,
		logger:       logger,
		dispatch:     dispatch,
		handlers:     make(map[uint32]RequestHandler),
		sentRequests: make(map[uint64]*pendingRequest),
		accumulated:  make(map[endpoint.ID][]Record),
		delayed:      executor.NewDelayed(),
		greetPort:    greetPort,
		tracer:       otel.Tracer("github.com/webitel/tcpbus/internal/protobus"),
	}
	if meter != nil {
		if h, err := meter.Int64Histogram("protobus_batch_size"); err == nil {
			pb.batchSizeHist = h
		} else {
			logger.Error("protobus: build batch size histogram", "err", err)
		}
		if h, err := meter.Float64Histogram("protobus_request_latency_ms"); err == nil {
			pb.latencyHist = h
		} else {
			logger.Error("protobus: build latency histogram", "err", err)
		}
	}
	pb.flusher = executor.NewPeriodic(pb.flushAll, cfg.MaxDelay, pb.delayed)

	bus.SetHandler(pb.onFrame)
	bus.SetGreeter(pb.greeting)

	return pb
}

// Start launches the wrapped Bus's event loop and the periodic batch
// flusher. It does not block.
func (pb *ProtoBus) Start() {
	go pb.bus.Run()
	pb.flusher.Start()
}

// Executor exposes the backing delayed executor so callers can
// schedule follow-up work with the same threading discipline ProtoBus
// uses internally for timeouts and (optionally) callback delivery.
func (pb *ProtoBus) Executor() executor.Executor { return pb.delayed }

// Close stops accepting new I/O, abandons the periodic flusher, and
// tears down the wrapped Bus. The outstanding requests' timeout actions
// are abandoned along with the delayed executor, so Close resolves each
// still-outstanding request with ErrTimeout itself.
func (pb *ProtoBus) Close() error {
	if err := pb.delayed.Close(); err != nil {
		return err
	}

	pb.reqMu.Lock()
	outstanding := pb.sentRequests
	pb.sentRequests = make(map[uint64]*pendingRequest)
	pb.reqMu.Unlock()
	for _, pr := range outstanding {
		pr.promise.SetValue(Result{Err: ErrTimeout})
	}

	return pb.bus.Close()
}

// Handle registers the handler invoked for inbound REQUEST records
// carrying the given method id.
func (pb *ProtoBus) Handle(method uint32, h RequestHandler) {
	pb.handlersMu.Lock()
	pb.handlers[method] = h
	pb.handlersMu.Unlock()
}

// Send issues a request to dest and returns a Future that resolves
// with the peer's response, or with ErrTimeout if none arrives within
// Config.Timeout.
func (pb *ProtoBus) Send(dest endpoint.ID, method uint32, data []byte) (future.Future[Result], error) {
	_, span := pb.tracer.Start(context.Background(), "protobus.Send",
		trace.WithAttributes(attribute.Int64("endpoint", int64(dest)), attribute.Int64("method", int64(method))))
	defer span.End()

	if pb.manager.Transient(dest) {
		err := fmt.Errorf("protobus: %d is a transient endpoint", dest)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return future.Future[Result]{}, err
	}

	seqID := pb.seq.Add(1)
	promise, fut := future.NewPromise[Result]()

	pb.reqMu.Lock()
	pb.sentRequests[seqID] = &pendingRequest{promise: promise, sentAt: time.Now()}
	pb.reqMu.Unlock()

	pb.delayed.SchedulePoint(func() { pb.expire(seqID) }, time.Now().Add(pb.cfg.Timeout))

	pb.enqueue(dest, Record{SeqID: seqID, Type: TypeRequest, Method: method, Data: data})
	return fut, nil
}

func (pb *ProtoBus) expire(seqID uint64) {
	pb.reqMu.Lock()
	pr, ok := pb.sentRequests[seqID]
	if ok {
		delete(pb.sentRequests, seqID)
	}
	pb.reqMu.Unlock()
	if !ok {
		return
	}
	pb.recordLatency(pr.sentAt)
	if pb.dispatch != nil {
		go func() {
			ev := events.Event{Kind: events.KindRequestTimeout, Detail: fmt.Sprintf("seq_id %d", seqID)}
			if err := pb.dispatch.Publish(context.Background(), ev); err != nil {
				pb.logger.Error("protobus: publish timeout event", "err", err)
			}
		}()
	}
	pr.promise.SetValue(Result{Err: ErrTimeout})
}

func (pb *ProtoBus) recordLatency(sentAt time.Time) {
	if pb.latencyHist == nil {
		return
	}
	pb.latencyHist.Record(context.Background(), float64(time.Since(sentAt).Microseconds())/1000)
}

// enqueue appends rec to dest's accumulated batch, flushing
// synchronously on the caller's goroutine if it reaches MaxBatch.
func (pb *ProtoBus) enqueue(dest endpoint.ID, rec Record) {
	pb.accMu.Lock()
	pb.accumulated[dest] = append(pb.accumulated[dest], rec)
	full := len(pb.accumulated[dest]) >= pb.cfg.MaxBatch
	pb.accMu.Unlock()

	if full {
		pb.flush(dest)
	}
}

func (pb *ProtoBus) flush(dest endpoint.ID) {
	pb.accMu.Lock()
	recs := pb.accumulated[dest]
	delete(pb.accumulated, dest)
	pb.accMu.Unlock()

	if len(recs) == 0 {
		return
	}

	if pb.batchSizeHist != nil {
		pb.batchSizeHist.Record(context.Background(), int64(len(recs)))
	}

	view := bufpool.NewSharedView(encodeBatch(recs))
	if !pb.bus.Send(dest, view) {
		pb.logger.Error("protobus: send rejected, pending queue full", "endpoint", dest)
	}
}

// flushAll drains every endpoint's accumulated batch; it's the action
// the periodic flusher reschedules at Config.MaxDelay.
func (pb *ProtoBus) flushAll() {
	pb.accMu.Lock()
	dests := make([]endpoint.ID, 0, len(pb.accumulated))
	for d, recs := range pb.accumulated {
		if len(recs) > 0 {
			dests = append(dests, d)
		}
	}
	pb.accMu.Unlock()

	for _, d := range dests {
		pb.flush(d)
	}
}

// onFrame is installed as the wrapped Bus's Handler. A frame from a
// still-transient endpoint is the connection's greeting; anything else
// is a batch envelope.
func (pb *ProtoBus) onFrame(from endpoint.ID, view *bufpool.SharedView) {
	if pb.manager.Transient(from) {
		pb.handleGreeting(from, view)
		return
	}

	recs, err := decodeBatch(view.Bytes())
	if err != nil {
		pb.logger.Error("protobus: malformed batch", "endpoint", from, "err", err)
		return
	}

	for _, rec := range recs {
		rec := rec
		if pb.cfg.SplitExecutor {
			pb.delayed.Schedule(func() { pb.dispatchRecord(from, rec) }, 0)
		} else {
			pb.dispatchRecord(from, rec)
		}
	}
}

func (pb *ProtoBus) dispatchRecord(from endpoint.ID, rec Record) {
	_, span := pb.tracer.Start(context.Background(), "protobus.dispatchRecord",
		trace.WithAttributes(
			attribute.Int64("endpoint", int64(from)),
			attribute.Int64("method", int64(rec.Method)),
			attribute.Int64("seq_id", int64(rec.SeqID)),
		))
	defer span.End()

	switch rec.Type {
	case TypeRequest:
		pb.handlersMu.RLock()
		h, ok := pb.handlers[rec.Method]
		pb.handlersMu.RUnlock()

		resp := Record{SeqID: rec.SeqID, Type: TypeResponse, Method: rec.Method}
		if !ok {
			pb.logger.Error("protobus: no handler for method", "method", rec.Method, "endpoint", from)
			resp.Err = true
			resp.Data = []byte(errNoHandler.Error())
		} else {
			data, err := h(from, rec.Data)
			if err != nil {
				resp.Err = true
				resp.Data = []byte(err.Error())
			} else {
				resp.Data = data
			}
		}
		pb.enqueue(from, resp)

	case TypeResponse:
		pb.reqMu.Lock()
		pr, ok := pb.sentRequests[rec.SeqID]
		if ok {
			delete(pb.sentRequests, rec.SeqID)
		}
		pb.reqMu.Unlock()
		if !ok {
			// already timed out, or an unsolicited/duplicate response —
			// silently discarded per spec.md §5.
			return
		}
		pb.recordLatency(pr.sentAt)

		result := Result{Data: rec.Data}
		if rec.Err {
			result.Err = errors.New(string(rec.Data))
		}
		pr.promise.SetValue(result)

	default:
		pb.logger.Error("protobus: unknown record type", "type", rec.Type, "endpoint", from)
	}
}

func (pb *ProtoBus) greeting() *bufpool.SharedView {
	return bufpool.NewSharedView(encodeGreeting(pb.greetPort, pb.cfg.ForceEndpoint))
}

func (pb *ProtoBus) handleGreeting(transient endpoint.ID, view *bufpool.SharedView) {
	port, forced, forcedID, err := decodeGreeting(view.Bytes())
	if err != nil {
		pb.logger.Error("protobus: malformed greeting", "endpoint", transient, "err", err)
		return
	}

	remoteAddr, err := pb.bus.PeerAddr(transient)
	if err != nil {
		pb.logger.Error("protobus: peer address lookup failed", "endpoint", transient, "err", err)
		return
	}

	var forcedPtr *endpoint.ID
	if forced {
		forcedPtr = &forcedID
	}

	resolved, stillTransient := pb.manager.Rebind(transient, remoteAddr, port, forcedPtr)
	if stillTransient {
		// The connection is not closed here: it stays registered under
		// its transient id, and its next frame is parsed as a greeting.
		pb.logger.Error("protobus: greeting resolved to a transient endpoint, connection left unbound", "endpoint", resolved)
		return
	}

	if err := pb.bus.RebindEndpoint(transient, resolved); err != nil {
		pb.logger.Error("protobus: rebind failed", "endpoint", transient, "err", err)
		return
	}

	pb.logger.Debug("protobus: rebound connection", "transient", transient, "resolved", resolved)
}

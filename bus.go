package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rbaliyan/relay/broker"
)

// State is the lifecycle state of a listener task.
type State int32

// Listener states
const (
	StateInit State = iota
	StateConnecting
	StateListening
	StateStopping
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DeadLetterFunc receives the raw record when its payload cannot be decoded.
// The record is acknowledged regardless; the sink is the only place it
// survives. Optional.
type DeadLetterFunc func(ctx context.Context, conn broker.Conn, msg *broker.Message, decodeErr error)

// Read-retry bounds for steady-state broker failures. Exhausting the retry
// budget is fatal for the owning task only.
var (
	DefaultReadRetries    = 5
	defaultReadBackoff    = 100 * time.Millisecond
	defaultReadMaxBackoff = 30 * time.Second
)

// reader is the shared listen loop: connect through the pool, ensure the
// consumer group, then read-dispatch-acknowledge until cancelled. EventBus
// and HandlerTask differ only in how they route a message to handlers.
type reader struct {
	name     string
	stream   string
	group    string
	consumer string

	app      string
	instance string

	cfg         broker.Config
	pool        *broker.Pool
	lease       *broker.Lease
	blockTime   time.Duration
	readRetries int
	limiter     *rate.Limiter
	deadLetter  DeadLetterFunc

	metricsEnabled bool
	tracingEnabled bool

	state  int32
	logger *slog.Logger

	// dispatch routes one message to its handlers. Acknowledgment happens
	// after it returns, success or not.
	dispatch func(ctx context.Context, conn broker.Conn, msg *broker.Message)
}

// State returns the listener's current lifecycle state.
func (r *reader) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// Name returns the listener's configured name.
func (r *reader) Name() string {
	return r.name
}

// Stream returns the stream the listener reads from.
func (r *reader) Stream() string {
	return r.stream
}

func (r *reader) setState(s State) {
	old := State(atomic.SwapInt32(&r.state, int32(s)))
	if old != s {
		r.logger.Debug("state transition", "from", old.String(), "to", s.String())
	}
}

// attach leases a pooled connection for the listener. Called by the
// supervisor at construction so connection failures abort the launch before
// any task runs.
func (r *reader) attach(ctx context.Context) error {
	if r.lease != nil {
		return nil
	}
	r.setState(StateConnecting)
	lease, err := r.pool.Get(ctx, r.cfg)
	if err != nil {
		r.setState(StateFatal)
		return err
	}
	r.lease = lease
	return nil
}

// run executes the listen loop until ctx is cancelled, the broker fails past
// the retry budget, or the connection is closed underneath the task. The
// lease is released on exit regardless of cause.
func (r *reader) run(ctx context.Context) error {
	if err := r.attach(ctx); err != nil {
		return fmt.Errorf("listener %q: %w", r.name, err)
	}
	defer r.lease.Release()
	conn := r.lease.Conn()

	if err := conn.EnsureGroup(ctx, r.stream, r.group); err != nil {
		r.setState(StateFatal)
		return fmt.Errorf("listener %q: ensure group: %w", r.name, err)
	}

	r.setState(StateListening)
	r.logger.Info("listening", "stream", r.stream, "group", r.group)

	failures := 0
	backoff := defaultReadBackoff

	for {
		select {
		case <-ctx.Done():
			r.stop()
			return nil
		default:
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.stop()
				return nil
			}
		}

		msg, err := conn.Read(ctx, broker.ReadArgs{
			Stream:   r.stream,
			Group:    r.group,
			Consumer: r.consumer,
			Block:    r.blockTime,
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.stop()
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				r.setState(StateStopped)
				return fmt.Errorf("listener %q: %w", r.name, err)
			}

			failures++
			if failures > r.readRetries {
				r.setState(StateFatal)
				return fmt.Errorf("listener %q: %w: read failed %d times: %w",
					r.name, broker.ErrConnection, failures, err)
			}

			wait := broker.Jitter(backoff, 0.3)
			r.logger.Error("read error, retrying with backoff",
				"error", err, "attempt", failures, "backoff", wait)
			select {
			case <-ctx.Done():
				r.stop()
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > defaultReadMaxBackoff {
				backoff = defaultReadMaxBackoff
			}
			continue
		}

		failures = 0
		backoff = defaultReadBackoff

		if msg == nil {
			continue
		}

		r.dispatch(ctx, conn, msg)

		// Acknowledge only after every handler has returned, and even when
		// shutdown began mid-dispatch: the handlers already ran.
		ackCtx := context.WithoutCancel(ctx)
		if err := conn.Ack(ackCtx, r.stream, r.group, msg.ID); err != nil {
			r.logger.Error("failed to acknowledge message",
				"stream", r.stream, "msg_id", msg.ID, "error", err)
		}
	}
}

func (r *reader) stop() {
	r.setState(StateStopping)
	r.logger.Info("no longer listening", "stream", r.stream)
	r.setState(StateStopped)
}

// decodeOnce runs each distinct decoder at most once per message.
type decodeOnce struct {
	raw      map[string]string
	decoders map[string]Decoder
	payloads map[string]any
	errs     map[string]error
}

func newDecodeOnce(raw map[string]string, decoders map[string]Decoder) *decodeOnce {
	return &decodeOnce{
		raw:      raw,
		decoders: decoders,
		payloads: make(map[string]any, len(decoders)),
		errs:     make(map[string]error, len(decoders)),
	}
}

func (d *decodeOnce) payload(decoderID string) (any, error) {
	if err, ok := d.errs[decoderID]; ok {
		return nil, err
	}
	if payload, ok := d.payloads[decoderID]; ok {
		return payload, nil
	}
	payload, err := d.decoders[decoderID](d.raw)
	if err != nil {
		d.errs[decoderID] = err
		return nil, err
	}
	d.payloads[decoderID] = payload
	return payload, nil
}

// route is one handler bound to an event within a bus, in declaration order.
type route struct {
	handler   *BoundHandler
	decoderID string
}

// EventBus listens on one stream and routes each message to every handler
// registered for its event type, in configured order. A handler failure is
// logged and isolated: it stops neither the loop nor sibling handlers, and
// the message is acknowledged once all handlers have returned.
type EventBus struct {
	reader
	routes   map[string][]route
	decoders map[string]Decoder
}

func (b *EventBus) dispatchMessage(ctx context.Context, conn broker.Conn, msg *broker.Message) {
	event := msg.Event()
	if event == "" {
		b.logger.Warn("message carries no event field", "stream", b.stream, "msg_id", msg.ID)
		return
	}

	routes, ok := b.routes[event]
	if !ok {
		// Streams may carry events this bus does not subscribe to.
		b.logger.Debug("no handlers for event", "event", event, "msg_id", msg.ID)
		return
	}

	if b.metricsEnabled {
		meter := otel.Meter(b.name)
		received, _ := meter.Int64Counter("relay.received",
			metric.WithDescription("Total messages received for subscribed events"))
		received.Add(ctx, 1, metric.WithAttributes(
			attribute.String("listener", b.name),
			attribute.String("event", event)))
	}

	if b.tracingEnabled {
		tracer := otel.Tracer(b.name)
		var span trace.Span
		ctx, span = tracer.Start(ctx, event+".dispatch",
			trace.WithAttributes(
				attribute.String("relay.listener", b.name),
				attribute.String("relay.stream", b.stream),
				attribute.String("relay.event", event),
				attribute.String("relay.msg_id", msg.ID)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	once := newDecodeOnce(msg.Fields, b.decoders)
	reported := make(map[string]bool)

	for _, rt := range routes {
		payload, err := once.payload(rt.decoderID)
		if err != nil {
			if !reported[rt.decoderID] {
				reported[rt.decoderID] = true
				b.logger.Error("message decode failed",
					"listener", b.name, "event", event, "msg_id", msg.ID, "error", err)
				if b.deadLetter != nil {
					b.deadLetter(ctx, conn, msg, err)
				}
			}
			continue
		}
		b.invoke(ctx, conn, msg, event, rt.handler, payload)
	}
}

func (r *reader) invoke(ctx context.Context, conn broker.Conn, msg *broker.Message, event string, handler *BoundHandler, payload any) {
	inv := &Invocation{
		Application: r.app,
		Instance:    r.instance,
		Listener:    r.name,
		Event:       event,
		Stream:      r.stream,
		MessageID:   msg.ID,
		conn:        conn,
		logger:      r.logger.With("event", event, "msg_id", msg.ID),
	}

	if err := handler.Invoke(ctx, payload, inv); err != nil {
		r.logger.Error("handler failed",
			"listener", r.name,
			"event", event,
			"msg_id", msg.ID,
			"handler", handler.TrackerID(),
			"error", err)
		if r.metricsEnabled {
			meter := otel.Meter(r.name)
			failures, _ := meter.Int64Counter("relay.handler.errors",
				metric.WithDescription("Total handler invocation failures"))
			failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("listener", r.name),
				attribute.String("event", event)))
		}
		return
	}

	if r.metricsEnabled {
		meter := otel.Meter(r.name)
		dispatched, _ := meter.Int64Counter("relay.dispatched",
			metric.WithDescription("Total successful handler invocations"))
		dispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("listener", r.name),
			attribute.String("event", event)))
	}
}

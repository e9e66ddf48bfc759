package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/relay/broker"
	brokerredis "github.com/rbaliyan/relay/broker/redis"
)

// Control-stream field names. A shutdown signal may scope itself to one
// application, one instance, or everything listening on the control stream.
const (
	// ControlEventClose requests an orderly process shutdown.
	ControlEventClose = "close"

	// FieldApplicationName scopes a control signal to one application.
	FieldApplicationName = "application_name"
	// FieldInstance scopes a control signal to one process instance.
	FieldInstance = "instance"
)

// Supervisor turns a validated configuration into running listeners. It
// resolves every code designation before anything connects, leases every
// connection before anything reads, and owns the shared shutdown of the
// resulting task set.
type Supervisor struct {
	registry *Registry
	opts     options
}

// NewSupervisor creates a supervisor resolving designations against reg.
func NewSupervisor(reg *Registry, opts ...Option) *Supervisor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Supervisor{registry: reg, opts: o}
}

// Validate resolves every designation in the configuration without opening
// any connection. It reports the same resolution errors Launch would.
func (s *Supervisor) Validate(cfg *RootConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: no configuration", ErrConfiguration)
	}

	for _, bus := range cfg.Busses {
		for event, designations := range bus.Handlers {
			for _, d := range designations {
				if _, err := s.registry.Resolve(d); err != nil {
					return fmt.Errorf("bus %q event %q: %w", bus.Name, event, err)
				}
			}
		}
	}

	for _, group := range cfg.Handlers {
		if _, err := s.registry.Resolve(group.Handler); err != nil {
			return fmt.Errorf("handler group %q: %w", group.Name, err)
		}
		if group.MessageType != nil {
			if _, err := s.registry.ResolveDecoder(group.MessageType); err != nil {
				return fmt.Errorf("handler group %q: %w", group.Name, err)
			}
		}
	}

	for event, d := range s.opts.controlHandlers {
		if _, err := s.registry.Resolve(d); err != nil {
			return fmt.Errorf("control event %q: %w", event, err)
		}
	}

	return nil
}

// listener is the common surface of EventBus and HandlerTask the supervisor
// drives.
type listener interface {
	Name() string
	Stream() string
	State() State
	run(ctx context.Context) error
	attach(ctx context.Context) error
	release()
}

func (r *reader) release() {
	if r.lease != nil {
		r.lease.Release()
		r.lease = nil
	}
}

// RunHandle tracks a launched task set. Shutdown starts an orderly stop;
// Wait blocks until every task has exited and returns the joined task
// errors, if any.
type RunHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []listener

	mu  sync.Mutex
	err error
}

// Shutdown asks every task to stop. It does not wait; call Wait.
func (h *RunHandle) Shutdown() {
	h.cancel()
}

// Done is closed once every task has exited or been declared stuck.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task set has fully stopped or ctx expires.
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.Err()
	}
}

// Err returns the joined errors of all failed tasks. Valid after Done.
func (h *RunHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// States reports the current lifecycle state of every listener by name.
func (h *RunHandle) States() map[string]State {
	states := make(map[string]State, len(h.listeners))
	for _, l := range h.listeners {
		states[l.Name()] = l.State()
	}
	return states
}

// Launch builds and starts every bus, handler group, and control listener the
// configuration names. Construction is fail-fast: an unresolvable designation
// or an unreachable broker aborts the launch with nothing left running.
//
// The returned handle stops the whole set when any of these happens first:
// ctx is cancelled, Shutdown is called, a control shutdown signal arrives, or
// any task fails fatally.
func (s *Supervisor) Launch(ctx context.Context, cfg *RootConfig) (*RunHandle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", ErrConfiguration)
	}

	logger := s.opts.logger.With("application", cfg.Application(), "instance", cfg.Instance())
	pool := broker.NewPool(s.dialer(cfg), logger.With("component", "relay>pool"))

	runCtx, cancel := context.WithCancel(ctx)
	handle := &RunHandle{cancel: cancel, done: make(chan struct{})}

	fail := func(err error) (*RunHandle, error) {
		cancel()
		for _, l := range handle.listeners {
			l.release()
		}
		pool.CloseAll()
		return nil, err
	}

	deadLetter := s.opts.deadLetter
	if deadLetter == nil && cfg.DeadLetterStream != "" {
		deadLetter = deadLetterSink(cfg.DeadLetterStream, logger)
	}

	for _, busCfg := range cfg.Busses {
		bus, err := s.buildBus(cfg, busCfg, pool, logger, deadLetter)
		if err != nil {
			return fail(err)
		}
		handle.listeners = append(handle.listeners, bus)
	}

	for _, groupCfg := range cfg.Handlers {
		task, err := s.buildHandlerTask(cfg, groupCfg, pool, logger, deadLetter)
		if err != nil {
			return fail(err)
		}
		handle.listeners = append(handle.listeners, task)
	}

	controlTasks, err := s.buildControlTasks(cfg, pool, logger, cancel)
	if err != nil {
		return fail(err)
	}
	handle.listeners = append(handle.listeners, controlTasks...)

	// Lease every connection up front so a bad broker aborts the launch
	// before any task has consumed anything.
	for _, l := range handle.listeners {
		if err := l.attach(ctx); err != nil {
			return fail(fmt.Errorf("listener %q: %w", l.Name(), err))
		}
	}

	go s.supervise(runCtx, cancel, handle, pool, logger)

	logger.Info("launched", "listeners", len(handle.listeners))
	return handle, nil
}

// supervise runs the task set to completion: start every listener, stop all
// of them when the first one fails, and enforce the grace period on the way
// out.
func (s *Supervisor) supervise(ctx context.Context, cancel context.CancelFunc, handle *RunHandle, pool *broker.Pool, logger *slog.Logger) {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handle.listeners))

	for _, l := range handle.listeners {
		wg.Add(1)
		go func(l listener) {
			defer wg.Done()
			if err := l.run(ctx); err != nil {
				logger.Error("listener failed", "listener", l.Name(), "error", err)
				errCh <- &TaskError{Task: l.Name(), Err: err}
				// The set lives and dies together.
				cancel()
			}
		}(l)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var errs []error

	select {
	case <-finished:
	case <-ctx.Done():
		logger.Info("stopping listeners", "grace_period", s.opts.gracePeriod)
		grace := time.NewTimer(s.opts.gracePeriod)
		select {
		case <-finished:
			grace.Stop()
		case <-grace.C:
			for _, l := range handle.listeners {
				if st := l.State(); st != StateStopped && st != StateFatal {
					logger.Error("listener did not stop within grace period",
						"listener", l.Name(), "state", st.String())
					errs = append(errs, &StuckTaskError{Task: l.Name()})
				}
			}
		}
	}

	cancel()

	// Drain task errors without blocking; every sender has either finished
	// or been declared stuck.
	for {
		select {
		case err := <-errCh:
			errs = append(errs, err)
			continue
		default:
		}
		break
	}

	pool.CloseAll()

	handle.mu.Lock()
	handle.err = errors.Join(errs...)
	handle.mu.Unlock()
	close(handle.done)
	logger.Info("stopped")
}

func (s *Supervisor) dialer(cfg *RootConfig) broker.Dialer {
	if s.opts.dialer != nil {
		return s.opts.dialer
	}
	return func(ctx context.Context, bcfg broker.Config) (broker.Conn, error) {
		return brokerredis.Dial(ctx, bcfg,
			brokerredis.WithBlockTime(s.opts.blockTime),
			brokerredis.WithMaxLen(cfg.MaxStreamLength))
	}
}

func (s *Supervisor) newReader(cfg *RootConfig, name, stream string, conn *broker.Config, pool *broker.Pool, logger *slog.Logger, deadLetter DeadLetterFunc) reader {
	return reader{
		name:        name,
		stream:      stream,
		group:       cfg.Application() + ":" + name,
		consumer:    name + ":" + cfg.Instance(),
		app:         cfg.Application(),
		instance:    cfg.Instance(),
		cfg:         cfg.EffectiveConnection(conn),
		pool:        pool,
		blockTime:   s.opts.blockTime,
		readRetries: s.opts.readRetries,
		limiter:     s.opts.limiter(),
		deadLetter:  deadLetter,

		metricsEnabled: s.opts.metricsEnabled,
		tracingEnabled: s.opts.tracingEnabled,

		logger: logger.With("component", "relay>"+name),
	}
}

func (s *Supervisor) buildBus(cfg *RootConfig, busCfg *BusConfig, pool *broker.Pool, logger *slog.Logger, deadLetter DeadLetterFunc) (*EventBus, error) {
	bus := &EventBus{
		routes:   make(map[string][]route, len(busCfg.Handlers)),
		decoders: make(map[string]Decoder),
	}
	bus.reader = s.newReader(cfg, busCfg.Name, cfg.StreamFor(busCfg.Stream), busCfg.Connection, pool, logger, deadLetter)
	bus.reader.dispatch = bus.dispatchMessage

	for event, designations := range busCfg.Handlers {
		for _, d := range designations {
			bound, err := s.registry.Resolve(d)
			if err != nil {
				return nil, fmt.Errorf("bus %q event %q: %w", busCfg.Name, event, err)
			}
			bus.routes[event] = append(bus.routes[event], route{
				handler:   bound,
				decoderID: bound.decoderID,
			})
			if _, ok := bus.decoders[bound.decoderID]; !ok {
				bus.decoders[bound.decoderID] = bound.decoder
			}
		}
	}

	return bus, nil
}

func (s *Supervisor) buildHandlerTask(cfg *RootConfig, groupCfg *HandlerGroupConfig, pool *broker.Pool, logger *slog.Logger, deadLetter DeadLetterFunc) (*HandlerTask, error) {
	d := groupCfg.Handler
	if groupCfg.MessageType != nil && d.MessageType == nil {
		clone := *d
		clone.MessageType = groupCfg.MessageType
		d = &clone
	}

	bound, err := s.registry.Resolve(d)
	if err != nil {
		return nil, fmt.Errorf("handler group %q: %w", groupCfg.Name, err)
	}

	task := &HandlerTask{
		event:   groupCfg.Event,
		handler: bound,
		decoder: bound.decoder,
	}
	task.reader = s.newReader(cfg, groupCfg.Name, cfg.StreamFor(groupCfg.Stream), groupCfg.Connection, pool, logger, deadLetter)
	task.reader.dispatch = task.dispatchMessage
	return task, nil
}

// buildControlTasks constructs the control-stream listeners: the built-in
// shutdown handler plus any events supplied through WithControlHandlers.
// Control groups carry the instance ID so every instance observes every
// signal instead of sharing them out.
func (s *Supervisor) buildControlTasks(cfg *RootConfig, pool *broker.Pool, logger *slog.Logger, cancel context.CancelFunc) ([]listener, error) {
	var tasks []listener

	newControlTask := func(event string, bound *BoundHandler) *HandlerTask {
		name := "control:" + event
		task := &HandlerTask{
			event:   event,
			handler: bound,
			decoder: bound.decoder,
		}
		task.reader = s.newReader(cfg, name, cfg.ControlStream, nil, pool, logger, nil)
		task.reader.group = cfg.Application() + ":" + name + ":" + cfg.Instance()
		task.reader.dispatch = task.dispatchMessage
		return task
	}

	closeBound := &BoundHandler{
		fn:        closeHandler(cfg.Application(), cfg.Instance(), cancel, logger),
		decoder:   identityDecoder,
		trackerID: "relay.control.close",
	}
	tasks = append(tasks, newControlTask(ControlEventClose, closeBound))

	for event, d := range s.opts.controlHandlers {
		if event == ControlEventClose {
			return nil, fmt.Errorf("%w: control event %q is reserved", ErrConfiguration, event)
		}
		bound, err := s.registry.Resolve(d)
		if err != nil {
			return nil, fmt.Errorf("control event %q: %w", event, err)
		}
		tasks = append(tasks, newControlTask(event, bound))
	}

	return tasks, nil
}

// closeHandler stops the process when a shutdown signal addresses it: a
// signal naming another application or another instance is ignored, one
// naming neither applies to everyone.
func closeHandler(app, instance string, cancel context.CancelFunc, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, payload any, inv *Invocation) error {
		fields, ok := payload.(Fields)
		if !ok {
			return fmt.Errorf("%w: unexpected control payload %T", ErrHandlerInvocation, payload)
		}

		if target := fields.String(FieldApplicationName); target != "" && target != app {
			return nil
		}
		if target := fields.String(FieldInstance); target != "" && target != instance {
			return nil
		}

		logger.Info("shutdown signal received", "msg_id", inv.MessageID)
		cancel()
		return nil
	}
}

// deadLetterSink publishes undecodable records to the named stream along
// with the failure reason, over the listener's own connection.
func deadLetterSink(stream string, logger *slog.Logger) DeadLetterFunc {
	return func(ctx context.Context, conn broker.Conn, msg *broker.Message, decodeErr error) {
		fields := make(map[string]string, len(msg.Fields)+3)
		for k, v := range msg.Fields {
			fields[k] = v
		}
		fields["origin_stream"] = msg.Stream
		fields["origin_id"] = msg.ID
		fields["decode_error"] = decodeErr.Error()

		if _, err := conn.Publish(context.WithoutCancel(ctx), stream, fields); err != nil {
			logger.Error("failed to publish dead letter",
				"stream", stream, "origin_id", msg.ID, "error", err)
		}
	}
}

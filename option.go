package relay

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/relay/broker"
)

// Supervisor defaults
const (
	DefaultGracePeriod = 10 * time.Second
	DefaultBlockTime   = 5 * time.Second
)

type options struct {
	logger          *slog.Logger
	gracePeriod     time.Duration
	blockTime       time.Duration
	readRetries     int
	dialer          broker.Dialer
	controlHandlers map[string]*CodeDesignation
	rateLimit       rate.Limit
	rateBurst       int
	metricsEnabled  bool
	tracingEnabled  bool
	deadLetter      DeadLetterFunc
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		gracePeriod: DefaultGracePeriod,
		blockTime:   DefaultBlockTime,
		readRetries: DefaultReadRetries,
	}
}

// Option configures a Supervisor.
type Option func(*options)

// WithLogger sets the base logger. Listeners derive component-scoped loggers
// from it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGracePeriod bounds how long shutdown waits for in-flight handlers
// before reporting tasks as stuck.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithBlockTime sets how long each blocking read waits before the loop
// re-checks for cancellation.
func WithBlockTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithReadRetries sets how many consecutive read failures a listener
// tolerates before going fatal.
func WithReadRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readRetries = n
		}
	}
}

// WithDialer replaces how broker connections are established. Used by tests
// to substitute in-memory connections.
func WithDialer(dialer broker.Dialer) Option {
	return func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}
}

// WithControlHandlers registers additional control-stream events beyond the
// built-in shutdown signal. Each designation is resolved against the registry
// at launch and served by its own control listener.
func WithControlHandlers(handlers map[string]*CodeDesignation) Option {
	return func(o *options) {
		if o.controlHandlers == nil {
			o.controlHandlers = make(map[string]*CodeDesignation, len(handlers))
		}
		for event, d := range handlers {
			o.controlHandlers[event] = d
		}
	}
}

// WithRateLimit throttles each listener to at most limit reads per second
// with the given burst.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

// WithMetrics enables per-listener OpenTelemetry counters.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithTracing enables a consumer span per dispatched message.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithDeadLetter installs a sink for records whose payload cannot be
// decoded. Overrides the default sink derived from the configuration's
// dead_letter_stream.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(o *options) {
		o.deadLetter = fn
	}
}

func (o *options) limiter() *rate.Limiter {
	if o.rateLimit <= 0 {
		return nil
	}
	burst := o.rateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(o.rateLimit, burst)
}

package redis

import (
	"log/slog"
	"time"
)

// Option configures the Redis connection
type Option func(*Conn)

// WithBlockTime sets the default block time for XREADGROUP
func WithBlockTime(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.blockTime = d
		}
	}
}

// WithMaxLen sets the approximate max stream length applied on publish (MAXLEN).
// Set to 0 (default) for unlimited retention.
func WithMaxLen(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithDialRetries bounds the number of connection attempts made by Dial
// after the first failure.
func WithDialRetries(n int) Option {
	return func(c *Conn) {
		if n >= 0 {
			c.dialRetries = n
		}
	}
}

// WithDialBackoff sets the initial backoff between connection attempts.
// The backoff doubles per attempt up to DefaultMaxBackoff, with jitter.
func WithDialBackoff(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.dialBackoff = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

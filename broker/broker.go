// Package broker defines the minimal capability surface the dispatch core
// needs from a stream broker: connect, read, acknowledge, publish. The Redis
// Streams implementation lives in broker/redis; the core only ever sees the
// interfaces declared here.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Broker errors
var (
	// ErrConnection indicates the broker was unreachable after the bounded
	// retry budget was spent. Fatal for the owning task.
	ErrConnection = errors.New("broker connection failed")

	// ErrClosed indicates an operation on a released connection.
	ErrClosed = errors.New("broker connection closed")
)

// EventField is the record field carrying the event type used for routing.
const EventField = "event"

// Message is one record read from a stream. Fields are the raw string
// key/value pairs the producer published.
type Message struct {
	ID     string
	Stream string
	Fields map[string]string
}

// Event returns the routing event type carried by the message,
// or "" when the record has no event field.
func (m *Message) Event() string {
	if m == nil {
		return ""
	}
	return m.Fields[EventField]
}

// ReadArgs identify the consumer-group read position for Conn.Read.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds the wait for the next record. Zero uses the
	// implementation default.
	Block time.Duration
}

// Conn is one logical connection to the broker. Implementations must be safe
// for concurrent use; a single Conn is shared by every listener whose
// effective connection parameters are identical.
type Conn interface {
	// EnsureGroup creates the consumer group (and stream) if missing.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Read blocks up to args.Block for the next record on the stream.
	// Returns (nil, nil) when the wait elapsed with nothing to deliver.
	Read(ctx context.Context, args ReadArgs) (*Message, error)

	// Ack marks the record processed for the consumer group.
	Ack(ctx context.Context, stream, group, id string) error

	// Publish appends a record to the stream and returns its ID.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}

// Trimmer is an optional interface for connections that support stream
// maintenance. The control-plane trim handler uses it when available.
type Trimmer interface {
	// Len returns the number of records in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Range returns up to count records from the start of the stream.
	Range(ctx context.Context, stream string, count int64) ([]Message, error)

	// Trim drops records beyond approximately maxLen.
	Trim(ctx context.Context, stream string, maxLen int64) error
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

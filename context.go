package relay

import (
	"context"
	"log/slog"

	"github.com/rbaliyan/relay/broker"
)

// Invocation carries the identity of one handler call: which application and
// instance is running, which listener saw the message, and on what stream.
// It is passed explicitly to every handler; nothing about the process
// identity is ambient state.
type Invocation struct {
	// Application is the configured application name.
	Application string
	// Instance distinguishes this process from siblings of the same application.
	Instance string
	// Listener names the bus or handler group that received the message.
	Listener string
	// Event is the routing event type of the message.
	Event string
	// Stream is the stream the message arrived on.
	Stream string
	// MessageID is the broker-assigned record ID.
	MessageID string

	conn   broker.Conn
	logger *slog.Logger
}

// Logger returns a logger scoped to the listener and message.
func (inv *Invocation) Logger() *slog.Logger {
	if inv.logger != nil {
		return inv.logger
	}
	return slog.Default()
}

// Conn returns the broker connection the listener reads from. Handlers may
// use it for publishing or, via capability interfaces such as
// broker.Trimmer, for stream maintenance.
func (inv *Invocation) Conn() broker.Conn {
	return inv.conn
}

// Publish appends a record to the named stream over the listener's connection.
func (inv *Invocation) Publish(ctx context.Context, stream string, fields map[string]string) error {
	_, err := inv.conn.Publish(ctx, stream, fields)
	return err
}

// Reply publishes a response on the stream the message arrived on, tagging
// it with the originating message ID.
func (inv *Invocation) Reply(ctx context.Context, fields map[string]string) error {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out[FieldResponseTo]; !ok {
		out[FieldResponseTo] = inv.MessageID
	}
	return inv.Publish(ctx, inv.Stream, out)
}

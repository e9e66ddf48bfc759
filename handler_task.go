package relay

import (
	"context"

	"github.com/rbaliyan/relay/broker"
)

// HandlerTask listens on one stream for exactly one event type and runs a
// single handler for it. It follows the same connect, read, dispatch,
// acknowledge cycle as EventBus but skips routing: messages for other events
// are acknowledged untouched.
//
// The control stream is served by handler tasks, so coordination signals are
// isolated from application traffic.
type HandlerTask struct {
	reader
	event   string
	handler *BoundHandler
	decoder Decoder
}

// Event returns the single event type this task handles.
func (t *HandlerTask) Event() string {
	return t.event
}

func (t *HandlerTask) dispatchMessage(ctx context.Context, conn broker.Conn, msg *broker.Message) {
	event := msg.Event()
	if event != t.event {
		t.logger.Debug("ignoring event", "event", event, "msg_id", msg.ID)
		return
	}

	payload, err := t.decoder(msg.Fields)
	if err != nil {
		t.logger.Error("message decode failed",
			"listener", t.name, "event", event, "msg_id", msg.ID, "error", err)
		if t.deadLetter != nil {
			t.deadLetter(ctx, conn, msg, err)
		}
		return
	}

	t.invoke(ctx, conn, msg, event, t.handler, payload)
}

package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/relay/broker"
)

// mockClient records calls and plays back scripted results.
type mockClient struct {
	xaddErr     error
	xaddID      string
	xaddArgs    *redis.XAddArgs
	groupErr    error
	groupCalls  int
	readResult  []redis.XStream
	readErr     error
	ackedIDs    []string
	ackErr      error
	pingErr     error
	pingCalls   int
	closeCalls  int
	trimMaxLen  int64
	trimCalls   int
	xlenResult  int64
	rangeResult []redis.XMessage
}

func (m *mockClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.xaddArgs = a
	cmd := redis.NewStringCmd(ctx)
	if m.xaddErr != nil {
		cmd.SetErr(m.xaddErr)
		return cmd
	}
	id := m.xaddID
	if id == "" {
		id = "1-0"
	}
	cmd.SetVal(id)
	return cmd
}

func (m *mockClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	m.groupCalls++
	cmd := redis.NewStatusCmd(ctx)
	if m.groupErr != nil {
		cmd.SetErr(m.groupErr)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func (m *mockClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if m.readErr != nil {
		cmd.SetErr(m.readErr)
		return cmd
	}
	cmd.SetVal(m.readResult)
	return cmd
}

func (m *mockClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.ackedIDs = append(m.ackedIDs, ids...)
	cmd := redis.NewIntCmd(ctx)
	if m.ackErr != nil {
		cmd.SetErr(m.ackErr)
		return cmd
	}
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (m *mockClient) XLen(ctx context.Context, stream string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(m.xlenResult)
	return cmd
}

func (m *mockClient) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	cmd := redis.NewXMessageSliceCmd(ctx)
	cmd.SetVal(m.rangeResult)
	return cmd
}

func (m *mockClient) XTrimMaxLenApprox(ctx context.Context, key string, maxLen, limit int64) *redis.IntCmd {
	m.trimCalls++
	m.trimMaxLen = maxLen
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (m *mockClient) Ping(ctx context.Context) *redis.StatusCmd {
	m.pingCalls++
	cmd := redis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (m *mockClient) Close() error {
	m.closeCalls++
	return nil
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestEnsureGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates group", func(t *testing.T) {
		client := &mockClient{}
		conn, _ := New(client)
		if err := conn.EnsureGroup(ctx, "EVENTS", "app:bus"); err != nil {
			t.Fatalf("EnsureGroup: %v", err)
		}
		if client.groupCalls != 1 {
			t.Errorf("groupCalls = %d, want 1", client.groupCalls)
		}
	})

	t.Run("tolerates existing group", func(t *testing.T) {
		client := &mockClient{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
		conn, _ := New(client)
		if err := conn.EnsureGroup(ctx, "EVENTS", "app:bus"); err != nil {
			t.Errorf("existing group should not be an error: %v", err)
		}
	})

	t.Run("propagates other errors", func(t *testing.T) {
		client := &mockClient{groupErr: errors.New("NOAUTH Authentication required")}
		conn, _ := New(client)
		if err := conn.EnsureGroup(ctx, "EVENTS", "app:bus"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRead(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers one record", func(t *testing.T) {
		client := &mockClient{
			readResult: []redis.XStream{{
				Stream: "EVENTS",
				Messages: []redis.XMessage{{
					ID:     "5-0",
					Values: map[string]any{"event": "ping", "n": "3"},
				}},
			}},
		}
		conn, _ := New(client)
		msg, err := conn.Read(ctx, broker.ReadArgs{Stream: "EVENTS", Group: "g", Consumer: "c"})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if msg == nil || msg.ID != "5-0" || msg.Event() != "ping" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.Fields["n"] != "3" {
			t.Errorf("fields = %v", msg.Fields)
		}
	})

	t.Run("timeout yields nothing", func(t *testing.T) {
		client := &mockClient{readErr: redis.Nil}
		conn, _ := New(client)
		msg, err := conn.Read(ctx, broker.ReadArgs{Stream: "EVENTS", Group: "g", Consumer: "c"})
		if err != nil || msg != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", msg, err)
		}
	})

	t.Run("closed connection", func(t *testing.T) {
		conn, _ := New(&mockClient{})
		conn.Close()
		if _, err := conn.Read(ctx, broker.ReadArgs{}); !errors.Is(err, broker.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestAck(t *testing.T) {
	client := &mockClient{}
	conn, _ := New(client)
	if err := conn.Ack(context.Background(), "EVENTS", "g", "5-0"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if len(client.ackedIDs) != 1 || client.ackedIDs[0] != "5-0" {
		t.Errorf("ackedIDs = %v", client.ackedIDs)
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("returns record id", func(t *testing.T) {
		client := &mockClient{xaddID: "7-0"}
		conn, _ := New(client)
		id, err := conn.Publish(ctx, "EVENTS", map[string]string{"event": "ping"})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if id != "7-0" {
			t.Errorf("id = %q, want 7-0", id)
		}
		if client.xaddArgs.MaxLen != 0 {
			t.Errorf("no trimming configured, MaxLen = %d", client.xaddArgs.MaxLen)
		}
	})

	t.Run("applies approximate maxlen", func(t *testing.T) {
		client := &mockClient{}
		conn, _ := New(client, WithMaxLen(1000))
		if _, err := conn.Publish(ctx, "EVENTS", map[string]string{"event": "ping"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if client.xaddArgs.MaxLen != 1000 || !client.xaddArgs.Approx {
			t.Errorf("XAddArgs = %+v, want approx MaxLen 1000", client.xaddArgs)
		}
	})
}

func TestTrimmer(t *testing.T) {
	ctx := context.Background()
	client := &mockClient{
		xlenResult: 12,
		rangeResult: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{"event": "a"}},
			{ID: "2-0", Values: map[string]any{"event": "b"}},
		},
	}
	conn, _ := New(client)

	n, err := conn.Len(ctx, "EVENTS")
	if err != nil || n != 12 {
		t.Errorf("Len = (%d, %v), want 12", n, err)
	}

	msgs, err := conn.Range(ctx, "EVENTS", 2)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Range = (%d msgs, %v)", len(msgs), err)
	}
	if msgs[0].ID != "1-0" || msgs[0].Fields["event"] != "a" {
		t.Errorf("first record = %+v", msgs[0])
	}

	if err := conn.Trim(ctx, "EVENTS", 10); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if client.trimCalls != 1 || client.trimMaxLen != 10 {
		t.Errorf("trim calls = %d maxLen = %d", client.trimCalls, client.trimMaxLen)
	}
}

func TestCloseIdempotent(t *testing.T) {
	client := &mockClient{}
	conn, _ := New(client)
	conn.Close()
	conn.Close()
	if client.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", client.closeCalls)
	}
}

func TestDial(t *testing.T) {
	t.Run("round trip against a live server", func(t *testing.T) {
		srv := miniredis.RunT(t)
		ctx := context.Background()

		port, err := strconv.Atoi(srv.Port())
		if err != nil {
			t.Fatal(err)
		}
		cfg := broker.Config{Host: srv.Host(), Port: &port}

		conn, err := Dial(ctx, cfg, WithDialRetries(0))
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer conn.Close()

		id, err := conn.Publish(ctx, "EVENTS", map[string]string{"event": "ping"})
		if err != nil || id == "" {
			t.Fatalf("Publish = (%q, %v)", id, err)
		}
		n, err := conn.Len(ctx, "EVENTS")
		if err != nil || n != 1 {
			t.Errorf("Len = (%d, %v), want 1", n, err)
		}
	})

	t.Run("unreachable broker", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		port := 1
		cfg := broker.Config{Host: "127.0.0.1", Port: &port}
		_, err := Dial(ctx, cfg, WithDialRetries(1), WithDialBackoff(time.Millisecond))
		if !errors.Is(err, broker.ErrConnection) {
			t.Errorf("expected ErrConnection, got %v", err)
		}
	})
}

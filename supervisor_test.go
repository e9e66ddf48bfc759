package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/relay/broker"
)

const minimalBusDoc = `{
	"name": "app",
	"busses": [{
		"name": "main",
		"handlers": {"placed": [{"module_name": "app", "name": "record"}]}
	}]
}`

func TestValidate(t *testing.T) {
	reg := newTestRegistry(t)
	sup := NewSupervisor(reg, WithLogger(discardLogger()))

	t.Run("resolvable configuration", func(t *testing.T) {
		cfg, err := Parse([]byte(minimalBusDoc))
		if err != nil {
			t.Fatal(err)
		}
		if err := sup.Validate(cfg); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("unknown handler", func(t *testing.T) {
		cfg, err := Parse([]byte(`{
			"busses": [{
				"name": "main",
				"handlers": {"placed": [{"module_name": "app", "name": "missing"}]}
			}]
		}`))
		if err != nil {
			t.Fatal(err)
		}
		if err := sup.Validate(cfg); !errors.Is(err, ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})

	t.Run("unknown message type", func(t *testing.T) {
		cfg, err := Parse([]byte(`{
			"handlers": [{
				"name": "h",
				"event": "placed",
				"handler": {"module_name": "app", "name": "record"},
				"message_type": {"module_name": "app", "name": "missing"}
			}]
		}`))
		if err != nil {
			t.Fatal(err)
		}
		if err := sup.Validate(cfg); !errors.Is(err, ErrResolution) {
			t.Errorf("expected ErrResolution, got %v", err)
		}
	})
}

func TestLaunchFailFast(t *testing.T) {
	t.Run("unresolvable designation dials nothing", func(t *testing.T) {
		var dials atomic.Int32
		dialer := func(ctx context.Context, cfg broker.Config) (broker.Conn, error) {
			dials.Add(1)
			return newMemConn(), nil
		}

		reg := newTestRegistry(t)
		sup := NewSupervisor(reg, WithLogger(discardLogger()), WithDialer(dialer))
		cfg, err := Parse([]byte(`{
			"busses": [{
				"name": "main",
				"handlers": {"placed": [{"module_name": "app", "name": "missing"}]}
			}]
		}`))
		if err != nil {
			t.Fatal(err)
		}

		if _, err := sup.Launch(context.Background(), cfg); !errors.Is(err, ErrResolution) {
			t.Fatalf("expected ErrResolution, got %v", err)
		}
		if dials.Load() != 0 {
			t.Errorf("dials = %d, want 0", dials.Load())
		}
	})

	t.Run("unreachable broker aborts launch", func(t *testing.T) {
		dialer := func(ctx context.Context, cfg broker.Config) (broker.Conn, error) {
			return nil, fmt.Errorf("%w: nobody home", broker.ErrConnection)
		}

		reg := newTestRegistry(t)
		sup := NewSupervisor(reg, WithLogger(discardLogger()), WithDialer(dialer))
		cfg, err := Parse([]byte(minimalBusDoc))
		if err != nil {
			t.Fatal(err)
		}

		if _, err := sup.Launch(context.Background(), cfg); !errors.Is(err, broker.ErrConnection) {
			t.Fatalf("expected ErrConnection, got %v", err)
		}
	})

	t.Run("reserved control event", func(t *testing.T) {
		reg := newTestRegistry(t)
		sup := NewSupervisor(reg,
			WithLogger(discardLogger()),
			WithDialer(memDialer(newMemConn())),
			WithControlHandlers(map[string]*CodeDesignation{
				ControlEventClose: {ModuleName: "app", Name: "record"},
			}))
		cfg, err := Parse([]byte(minimalBusDoc))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sup.Launch(context.Background(), cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestShutdownStopsCleanly(t *testing.T) {
	conn := newMemConn()
	reg := newTestRegistry(t)
	cfg, err := Parse([]byte(minimalBusDoc))
	if err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(reg, testOptions(conn)...)
	handle, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	waitFor(t, "listeners listening", func() bool {
		for _, st := range handle.States() {
			if st != StateListening {
				return false
			}
		}
		return true
	})

	handle.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	for name, st := range handle.States() {
		if st != StateStopped {
			t.Errorf("listener %q ended in state %s, want stopped", name, st)
		}
	}
}

func TestControlCloseSignal(t *testing.T) {
	t.Run("addressed to this application", func(t *testing.T) {
		conn := newMemConn()
		reg := newTestRegistry(t)
		handle := launchBus(t, conn, reg, minimalBusDoc)

		waitFor(t, "listeners listening", func() bool {
			for _, st := range handle.States() {
				if st != StateListening {
					return false
				}
			}
			return true
		})

		conn.push(DefaultControlStream, map[string]string{
			"event":            ControlEventClose,
			"application_name": "app",
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	})

	t.Run("addressed elsewhere is ignored", func(t *testing.T) {
		conn := newMemConn()
		reg := newTestRegistry(t)
		handle := launchBus(t, conn, reg, minimalBusDoc)

		id := conn.push(DefaultControlStream, map[string]string{
			"event":            ControlEventClose,
			"application_name": "someone_else",
		})
		waitFor(t, "signal consumed", func() bool { return conn.ackCount(id) > 0 })

		select {
		case <-handle.Done():
			t.Fatal("a signal for another application stopped this one")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("addressed to another instance is ignored", func(t *testing.T) {
		conn := newMemConn()
		reg := newTestRegistry(t)
		handle := launchBus(t, conn, reg, minimalBusDoc)

		id := conn.push(DefaultControlStream, map[string]string{
			"event":    ControlEventClose,
			"instance": "not-this-instance",
		})
		waitFor(t, "signal consumed", func() bool { return conn.ackCount(id) > 0 })

		select {
		case <-handle.Done():
			t.Fatal("a signal for another instance stopped this one")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("broadcast applies to everyone", func(t *testing.T) {
		conn := newMemConn()
		reg := newTestRegistry(t)
		handle := launchBus(t, conn, reg, minimalBusDoc)

		conn.push(DefaultControlStream, map[string]string{"event": ControlEventClose})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	})
}

func TestFatalListenerStopsSet(t *testing.T) {
	conn := newMemConn()
	conn.failStream = "EVENTS"
	conn.failErr = fmt.Errorf("READONLY You can't write against a read only replica")

	reg := newTestRegistry(t)
	cfg, err := Parse([]byte(minimalBusDoc))
	if err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(reg, append(testOptions(conn), WithReadRetries(1))...)
	handle, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = handle.Wait(ctx)
	if !errors.Is(err, broker.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected a TaskError, got %v", err)
	}
	if taskErr.Task != "main" {
		t.Errorf("failed task = %q, want main", taskErr.Task)
	}

	if st := handle.States()["main"]; st != StateFatal {
		t.Errorf("failed listener state = %s, want fatal", st)
	}
}

func TestStuckHandlerReported(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	conn := newMemConn()
	reg := NewRegistry()
	reg.RegisterHandler("app", "blocking", func(kwargs map[string]any) (HandlerFunc, error) {
		return func(ctx context.Context, payload any, inv *Invocation) error {
			<-release
			return nil
		}, nil
	})

	cfg, err := Parse([]byte(`{
		"busses": [{
			"name": "main",
			"handlers": {"placed": [{"module_name": "app", "name": "blocking"}]}
		}]
	}`))
	if err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(reg,
		WithLogger(discardLogger()),
		WithDialer(memDialer(conn)),
		WithBlockTime(5*time.Millisecond),
		WithGracePeriod(30*time.Millisecond))
	handle, err := sup.Launch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	conn.push("EVENTS", map[string]string{"event": "placed"})
	time.Sleep(20 * time.Millisecond)

	handle.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = handle.Wait(ctx)

	var stuck *StuckTaskError
	if !errors.As(err, &stuck) {
		t.Fatalf("expected a StuckTaskError, got %v", err)
	}
	if stuck.Task != "main" {
		t.Errorf("stuck task = %q, want main", stuck.Task)
	}
}

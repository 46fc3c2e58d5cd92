package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestPhasesStopInOrder(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	c.RegisterFunc("bus", PhaseBus, record("bus"))
	c.RegisterFunc("transport", PhaseTransport, record("transport"))
	c.RegisterFunc("bridge", PhaseBridge, record("bridge"))
	c.RegisterFunc("broadcaster", PhaseBroadcaster, record("broadcaster"))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	expected := []string{"transport", "broadcaster", "bridge", "bus"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(expected) {
		t.Fatalf("expected %d handlers to run, got %v", len(expected), order)
	}
	for i, name := range expected {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	// Each handler waits for its peer; this only resolves if both run at
	// the same time.
	gate := make(chan struct{})
	meet := func(context.Context) error {
		select {
		case gate <- struct{}{}:
		case <-gate:
		case <-time.After(2 * time.Second):
			return errors.New("peer never arrived")
		}
		return nil
	}
	c.RegisterFunc("consumer-a", PhaseBroadcaster, meet)
	c.RegisterFunc("consumer-b", PhaseBroadcaster, meet)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("handlers in the same phase did not overlap: %v", err)
	}
}

func TestHandlerFailureContinues(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	laterRan := false
	c.RegisterFunc("broken", PhaseTransport, func(context.Context) error {
		return errors.New("socket already closed")
	})
	c.RegisterFunc("bus", PhaseBus, func(context.Context) error {
		laterRan = true
		return nil
	})

	err := c.Stop(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("expected ErrHandlerFailed, got %v", err)
	}
	if !laterRan {
		t.Error("later phase skipped despite ContinueOnError")
	}
}

func TestStopOnFirstFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	c := newTestCoordinator(t, cfg)

	laterRan := false
	c.RegisterFunc("broken", PhaseTransport, func(context.Context) error {
		return errors.New("boom")
	})
	c.RegisterFunc("bus", PhaseBus, func(context.Context) error {
		laterRan = true
		return nil
	})

	if err := c.Stop(context.Background()); !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("expected ErrHandlerFailed, got %v", err)
	}
	if laterRan {
		t.Error("later phase ran after a failure with ContinueOnError=false")
	}
}

func TestTimeoutAbortsRemainingPhases(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	c.RegisterFunc("slow", PhaseTransport, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	busRan := false
	c.RegisterFunc("bus", PhaseBus, func(context.Context) error {
		busRan = true
		return nil
	})

	if err := c.StopWithTimeout(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if busRan {
		t.Error("phase ran after the deadline passed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	calls := 0
	c.RegisterFunc("once", PhaseBus, func(context.Context) error {
		calls++
		return nil
	})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestTriggerRunsShutdown(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	ran := make(chan struct{})
	c.RegisterFunc("transport", PhaseTransport, func(context.Context) error {
		close(ran)
		return nil
	})

	c.HandleSignals()
	c.Trigger()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run shutdown")
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
}

func TestResultsReportPerHandler(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())

	c.RegisterFunc("transport", PhaseTransport, func(context.Context) error { return nil })
	c.RegisterFunc("broken", PhaseBus, func(context.Context) error { return errors.New("boom") })

	if c.Results() != nil {
		t.Error("results available before shutdown")
	}
	c.Stop(context.Background())

	results := c.Results()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "transport" || results[0].Err != nil {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Name != "broken" || results[1].Err == nil {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestOnProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := DefaultConfig()
	cfg.OnProgress = func(r Result) {
		mu.Lock()
		seen = append(seen, r.Name)
		mu.Unlock()
	}
	c := newTestCoordinator(t, cfg)

	c.RegisterFunc("transport", PhaseTransport, func(context.Context) error { return nil })
	c.RegisterFunc("bus", PhaseBus, func(context.Context) error { return nil })
	c.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected 2 progress callbacks, got %v", seen)
	}
}

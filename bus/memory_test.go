package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	b := NewMemoryBus(cfg, nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *protocol.Message, 1)
	_, err := b.Subscribe(protocol.TypeAgentMessage, func(msg *protocol.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := protocol.New(protocol.TypeAgentMessage, "planner", map[string]any{"text": "hello"})
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID {
			t.Errorf("expected message %s, got %s", msg.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)

	var count atomic.Int32
	_, err := b.Subscribe("event.*", func(msg *protocol.Message) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(protocol.New(protocol.TypeEventLifecycle, "core", nil))
	b.Publish(protocol.New(protocol.TypeEventTool, "core", nil))
	b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil)) // no match

	deadline := time.Now().Add(time.Second)
	for count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 wildcard deliveries, got %d", got)
	}
}

func TestInvalidPattern(t *testing.T) {
	b := newTestBus(t)

	for _, pattern := range []string{"", "*", ".*"} {
		if _, err := b.Subscribe(pattern, func(*protocol.Message) error { return nil }); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("pattern %q: expected ErrInvalidPattern, got %v", pattern, err)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *protocol.Message, 4)
	id, err := b.Subscribe(protocol.TypeAgentMessage, func(msg *protocol.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(id); !errors.Is(err, ErrNoSubscription) {
		t.Errorf("expected ErrNoSubscription for repeated unsubscribe, got %v", err)
	}

	b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil))
	select {
	case <-received:
		t.Error("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe(protocol.TypeAgentRequest, func(msg *protocol.Message) error {
		return b.Respond(msg, map[string]any{"status": "ok"})
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp, err := b.Request(context.Background(), "cerebellum", map[string]any{"action": "ping"}, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload["status"] != "ok" {
		t.Errorf("unexpected payload: %v", resp.Payload)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending table not drained: %d entries", b.PendingCount())
	}
}

func TestRequestTimeoutDrainsPendingTable(t *testing.T) {
	b := newTestBus(t)

	start := time.Now()
	_, err := b.Request(context.Background(), "silent-agent", nil, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending table leaked: %d entries", b.PendingCount())
	}
}

func TestSweepExpiresAbandonedRequests(t *testing.T) {
	b := newTestBus(t)

	// Register a pending entry directly, as if its waiter vanished without
	// collecting the outcome.
	pr := &pendingRequest{
		correlationID: "orphan",
		target:        "cerebellum",
		createdAt:     time.Now(),
		deadline:      time.Now().Add(100 * time.Millisecond),
		respCh:        make(chan *protocol.Message, 1),
		errCh:         make(chan error, 1),
	}
	b.pendingMu.Lock()
	b.pending["orphan"] = pr
	b.pendingMu.Unlock()

	deadline := time.Now().Add(time.Second)
	for b.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("sweep did not expire abandoned request: %d entries", b.PendingCount())
	}
	select {
	case err := <-pr.errCh:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	default:
		t.Error("sweep did not fail the waiter channel")
	}
}

func TestLateResponseIsNoOp(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Request(context.Background(), "slow-agent", nil, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A response arriving after expiry resolves nothing and must not panic
	// or resurrect the entry.
	late := protocol.New(protocol.TypeAgentResponse, "slow-agent", map[string]any{"status": "done"})
	late.CorrelationID = "already-expired"
	if err := b.Publish(late); err != nil {
		t.Fatalf("late publish: %v", err)
	}
	if b.PendingCount() != 0 {
		t.Errorf("late response created a pending entry: %d", b.PendingCount())
	}
}

func TestRequestContextCancel(t *testing.T) {
	b := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, "cerebellum", nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not return after cancel")
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending table leaked after cancel: %d", b.PendingCount())
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	b := newTestBus(t)

	received := make(chan *protocol.Message, 1)
	if _, err := b.Subscribe(protocol.TypeAgentMessage, func(msg *protocol.Message) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(protocol.TypeAgentMessage, func(msg *protocol.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("panicking handler blocked delivery to its peer")
	}

	// The panicking subscriber's dispatch loop must survive for the next
	// message too.
	b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("second delivery failed after handler panic")
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	b := newTestBus(t)

	received := make(chan struct{}, 1)
	b.Subscribe(protocol.TypeAgentMessage, func(*protocol.Message) error {
		return errors.New("handler failure")
	})
	b.Subscribe(protocol.TypeAgentMessage, func(*protocol.Message) error {
		received <- struct{}{}
		return nil
	})

	b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("failing handler blocked delivery to its peer")
	}
}

func TestExpiredMessageDropped(t *testing.T) {
	b := newTestBus(t)

	received := make(chan struct{}, 1)
	b.Subscribe(protocol.TypeAgentMessage, func(*protocol.Message) error {
		received <- struct{}{}
		return nil
	})

	msg := protocol.New(protocol.TypeAgentMessage, "core", nil)
	msg.Timestamp = time.Now().Add(-2 * protocol.DefaultTTL)
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
		t.Error("expired message was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailTarget(t *testing.T) {
	b := newTestBus(t)

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "vision", nil, 5*time.Second)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for b.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	connLost := errors.New("connection lost")
	if n := b.FailTarget("vision", connLost); n != 1 {
		t.Errorf("expected 1 failed request, got %d", n)
	}

	select {
	case err := <-done:
		if !errors.Is(err, connLost) {
			t.Errorf("expected connection lost error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not fail after FailTarget")
	}
}

func TestCloseFailsPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 50 * time.Millisecond
	b := NewMemoryBus(cfg, nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "cerebellum", nil, 5*time.Second)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for b.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request survived Close")
	}

	if err := b.Publish(protocol.New(protocol.TypeAgentMessage, "core", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on publish after close, got %v", err)
	}
	if _, err := b.Subscribe(protocol.TypeAgentMessage, func(*protocol.Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe after close, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	b := newTestBus(t)

	b.Subscribe(protocol.TypeAgentRequest, func(msg *protocol.Message) error {
		return b.Respond(msg, map[string]any{"echo": msg.Payload["n"]})
	})

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			resp, err := b.Request(context.Background(), "cerebellum", map[string]any{"n": float64(i)}, time.Second)
			if err != nil {
				errs <- err
				return
			}
			if resp.Payload["echo"] != float64(i) {
				errs <- errors.New("response crossed correlation boundary")
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending table not drained: %d", b.PendingCount())
	}
}

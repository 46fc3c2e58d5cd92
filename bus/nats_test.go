package bus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openrobobrain/braincore/protocol"
)

// getNATSURL returns the NATS URL for integration tests, skipping when no
// server is reachable.
func getNATSURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("NATS server not available at %s: %v", url, err)
	}
	nc.Close()
	return url
}

func newNATSTestBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	cfg.Name = "braincore-test"

	b, err := NewNATSBus(cfg, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSPublishSubscribe(t *testing.T) {
	b := newNATSTestBus(t)

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
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestNATSWildcard(t *testing.T) {
	b := newNATSTestBus(t)

	received := make(chan string, 2)
	_, err := b.Subscribe("event.*", func(msg *protocol.Message) error {
		received <- msg.Type
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// NATS subscriptions are async; give the server a beat to register.
	time.Sleep(100 * time.Millisecond)

	b.Publish(protocol.New(protocol.TypeEventLifecycle, "core", nil))
	b.Publish(protocol.New(protocol.TypeEventTool, "core", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for wildcard delivery %d", i)
		}
	}
}

func TestNATSRequestTimeout(t *testing.T) {
	b := newNATSTestBus(t)

	start := time.Now()
	_, err := b.Request(context.Background(), "nobody-home", nil, 300*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestNATSRequestResponse(t *testing.T) {
	requester := newNATSTestBus(t)
	responder := newNATSTestBus(t)

	// The responder services the target's request subject purely through the
	// bus surface, the way any agent-side component would.
	_, err := responder.Subscribe(requestSubject("cerebellum"), func(msg *protocol.Message) error {
		return responder.Respond(msg, map[string]any{"status": "ok"})
	})
	if err != nil {
		t.Fatalf("responder subscribe: %v", err)
	}
	// NATS subscriptions are async; give the server a beat to register.
	time.Sleep(100 * time.Millisecond)

	resp, err := requester.Request(context.Background(), "cerebellum", map[string]any{"action": "ping"}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload["status"] != "ok" {
		t.Errorf("unexpected payload: %v", resp.Payload)
	}
}

func TestReplyInboxRetention(t *testing.T) {
	// Pure table behavior; no server involved.
	b := &NATSBus{
		config:  DefaultNATSConfig(),
		replies: make(map[string]pendingReply),
	}

	b.rememberReply("req-1", "_INBOX.abc")
	if inbox := b.takeReply("req-1"); inbox != "_INBOX.abc" {
		t.Errorf("expected retained inbox, got %q", inbox)
	}
	// Consumed exactly once.
	if inbox := b.takeReply("req-1"); inbox != "" {
		t.Errorf("inbox handed out twice: %q", inbox)
	}

	// Expired entries are not handed out and are pruned on insert.
	b.replies["stale"] = pendingReply{inbox: "_INBOX.old", expires: time.Now().Add(-time.Second)}
	if inbox := b.takeReply("stale"); inbox != "" {
		t.Errorf("expired inbox handed out: %q", inbox)
	}
	b.replies["stale"] = pendingReply{inbox: "_INBOX.old", expires: time.Now().Add(-time.Second)}
	b.rememberReply("req-2", "_INBOX.def")
	if _, ok := b.replies["stale"]; ok {
		t.Error("expired entry survived pruning")
	}
	if len(b.replies) != 1 {
		t.Errorf("expected 1 live entry, got %d", len(b.replies))
	}
}

func TestNATSUnsubscribe(t *testing.T) {
	b := newNATSTestBus(t)

	id, err := b.Subscribe(protocol.TypeAgentMessage, func(*protocol.Message) error { return nil })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(id); !errors.Is(err, ErrNoSubscription) {
		t.Errorf("expected ErrNoSubscription, got %v", err)
	}
}

package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"rfc3339 nano", "2026-08-23T10:15:30.123456789Z", false},
		{"rfc3339", "2026-08-23T10:15:30Z", false},
		{"naive isoformat", "2026-08-23T10:15:30.123456", false},
		{"naive no fraction", "2026-08-23T10:15:30", false},
		{"empty", "", true},
		{"garbage", "not-a-timestamp", true},
		{"partial", "2026-08-23", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTimestamp(tc.input)
			if tc.wantErr && err == nil {
				t.Error("expected parse error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func newTestMonitor(t *testing.T, interval time.Duration, grace int) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{Interval: interval, Grace: grace}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func TestMonitorEvictsStaleAgent(t *testing.T) {
	m := newTestMonitor(t, time.Second, 3)

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(agentID string, lastSeen time.Time) {
		mu.Lock()
		dead = append(dead, agentID)
		mu.Unlock()
	})

	m.Beat("vision", FormatTimestamp(time.Now().Add(-10*time.Second)))
	m.Check(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(dead) != 1 || dead[0] != "vision" {
		t.Errorf("expected vision evicted, got %v", dead)
	}
}

func TestMonitorKeepsFreshAgent(t *testing.T) {
	m := newTestMonitor(t, time.Second, 3)

	var evicted bool
	m.OnDead(func(string, time.Time) { evicted = true })

	m.Beat("vision", FormatTimestamp(time.Now()))
	m.Check(time.Now())

	if evicted {
		t.Error("fresh agent evicted")
	}
	if !m.IsAlive("vision") {
		t.Error("fresh agent reported dead")
	}
}

func TestMalformedTimestampSkipsCycle(t *testing.T) {
	m := newTestMonitor(t, time.Second, 3)

	var evicted bool
	m.OnDead(func(string, time.Time) { evicted = true })

	// A malformed timestamp must not count as a missed heartbeat, no matter
	// how many cycles run.
	m.Beat("vision", "garbage-timestamp")
	for i := 0; i < 5; i++ {
		m.Check(time.Now().Add(time.Duration(i) * time.Hour))
	}
	if evicted {
		t.Fatal("connection dropped on malformed timestamp")
	}

	// A later well-formed heartbeat keeps the connection alive.
	m.Beat("vision", FormatTimestamp(time.Now()))
	m.Check(time.Now())
	if evicted {
		t.Error("well-formed heartbeat after malformed one triggered eviction")
	}
	if !m.IsAlive("vision") {
		t.Error("agent reported dead after recovering heartbeat")
	}
}

func TestEvictionFiresOnce(t *testing.T) {
	m := newTestMonitor(t, time.Second, 3)

	var count int
	m.OnDead(func(string, time.Time) { count++ })

	m.Beat("vision", FormatTimestamp(time.Now().Add(-time.Minute)))
	m.Check(time.Now())
	m.Check(time.Now())

	if count != 1 {
		t.Errorf("expected one eviction, got %d", count)
	}
}

func TestRemoveStopsTracking(t *testing.T) {
	m := newTestMonitor(t, time.Second, 3)

	var evicted bool
	m.OnDead(func(string, time.Time) { evicted = true })

	m.Beat("vision", FormatTimestamp(time.Now().Add(-time.Minute)))
	m.Remove("vision")
	m.Check(time.Now())

	if evicted {
		t.Error("removed agent evicted")
	}
	if m.IsAlive("vision") {
		t.Error("removed agent reported alive")
	}
}

func TestMonitorStartStop(t *testing.T) {
	m := newTestMonitor(t, 10*time.Millisecond, 3)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestSenderEmitsHeartbeats(t *testing.T) {
	sent := make(chan *protocol.Message, 16)
	s, err := NewSender(SenderConfig{
		AgentID:  "planner",
		Interval: 20 * time.Millisecond,
		Send: func(msg *protocol.Message) error {
			sent <- msg
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-sent:
			if msg.Type != protocol.TypeHeartbeat || msg.Source != "planner" {
				t.Errorf("unexpected heartbeat message: %+v", msg)
			}
			if _, err := ParseTimestamp(msg.Payload["timestamp"].(string)); err != nil {
				t.Errorf("sender produced unparseable timestamp: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("no heartbeat emitted")
		}
	}
}

func TestSenderConfigValidation(t *testing.T) {
	if _, err := NewSender(SenderConfig{AgentID: "x"}); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewSender(SenderConfig{Send: func(*protocol.Message) error { return nil }}); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

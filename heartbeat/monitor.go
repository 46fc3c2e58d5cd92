package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrobobrain/braincore/logging"
)

// Monitor tracks per-agent heartbeats and reports agents whose last
// heartbeat is older than the grace window.
//
// Timestamps are kept in wire form and parsed at check time. A timestamp
// that fails to parse skips that agent for the cycle instead of counting as
// a missed heartbeat; only a genuinely stale, well-formed timestamp evicts.
type Monitor struct {
	interval time.Duration
	grace    int
	log      *logging.Logger

	mu       sync.Mutex
	lastBeat map[string]string // agentID -> wire timestamp
	deadCBs  []func(agentID string, lastSeen time.Time)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor. Call Start to begin checking.
func NewMonitor(cfg MonitorConfig, log *logging.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.Grace < 1 {
		cfg.Grace = DefaultMonitorConfig().Grace
	}
	if log == nil {
		log = logging.New()
	}
	return &Monitor{
		interval: cfg.Interval,
		grace:    cfg.Grace,
		log:      log.WithComponent("heartbeat"),
		lastBeat: make(map[string]string),
	}, nil
}

// Start begins periodic liveness checks.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(time.Now())
		}
	}
}

// Beat records a heartbeat for an agent. An empty timestamp records the
// receipt time, so message traffic itself counts as liveness.
func (m *Monitor) Beat(agentID, timestamp string) {
	if timestamp == "" {
		timestamp = FormatTimestamp(time.Now())
	}
	m.mu.Lock()
	m.lastBeat[agentID] = timestamp
	m.mu.Unlock()
}

// Remove stops tracking an agent, typically on orderly disconnect.
func (m *Monitor) Remove(agentID string) {
	m.mu.Lock()
	delete(m.lastBeat, agentID)
	m.mu.Unlock()
}

// OnDead registers a callback invoked once per eviction. The agent is
// removed from tracking before the callback fires, so a reconnecting agent
// starts fresh.
func (m *Monitor) OnDead(cb func(agentID string, lastSeen time.Time)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, cb)
	m.mu.Unlock()
}

// IsAlive reports whether the agent's last heartbeat parses and falls within
// the grace window. Unknown agents and malformed timestamps report alive:
// eviction requires positive evidence of staleness.
func (m *Monitor) IsAlive(agentID string) bool {
	m.mu.Lock()
	raw, ok := m.lastBeat[agentID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	last, err := ParseTimestamp(raw)
	if err != nil {
		return true
	}
	return time.Since(last) <= m.window()
}

// LastSeen returns the parsed last-heartbeat time for an agent.
func (m *Monitor) LastSeen(agentID string) (time.Time, error) {
	m.mu.Lock()
	raw, ok := m.lastBeat[agentID]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, ErrUnknownAgent
	}
	return ParseTimestamp(raw)
}

func (m *Monitor) window() time.Duration {
	return time.Duration(m.grace) * m.interval
}

// Check runs one liveness pass against the given clock reading. Exposed so
// tests can drive cycles without waiting on the ticker.
func (m *Monitor) Check(now time.Time) {
	type eviction struct {
		agentID  string
		lastSeen time.Time
	}

	window := m.window()

	m.mu.Lock()
	var evicted []eviction
	for agentID, raw := range m.lastBeat {
		last, err := ParseTimestamp(raw)
		if err != nil {
			// Malformed timestamp: skip this cycle, never evict on it.
			m.log.Warn("heartbeat_unparseable", map[string]interface{}{
				"agent":     agentID,
				"timestamp": raw,
			})
			continue
		}
		if now.Sub(last) > window {
			delete(m.lastBeat, agentID)
			evicted = append(evicted, eviction{agentID, last})
		}
	}
	callbacks := make([]func(string, time.Time), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	for _, e := range evicted {
		m.log.HeartbeatEviction(e.agentID, e.lastSeen)
		for _, cb := range callbacks {
			cb(e.agentID, e.lastSeen)
		}
	}
}

// Stop halts the check loop.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}

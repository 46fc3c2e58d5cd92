package heartbeat

import (
	"errors"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrBadTimestamp   = errors.New("malformed heartbeat timestamp")
	ErrUnknownAgent   = errors.New("agent not monitored")
)

// wireLayouts are the timestamp layouts accepted on the wire, in order of
// preference. Agents written against the older pipeline send naive ISO-8601
// without a zone, so that form must parse too.
var wireLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a wire heartbeat timestamp. Zone-less timestamps are
// interpreted in local time, matching the senders that produce them.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	for _, layout := range wireLayouts[:2] {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range wireLayouts[2:] {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}

// FormatTimestamp renders a timestamp in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewMessage builds a heartbeat message from an agent.
func NewMessage(agentID string) *protocol.Message {
	return protocol.New(protocol.TypeHeartbeat, agentID, map[string]any{
		"timestamp": FormatTimestamp(time.Now()),
	})
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Interval between liveness checks.
	// Default: 30s
	Interval time.Duration

	// Grace multiplies the interval to form the eviction window: an agent
	// is presumed dead after Grace*Interval without a parseable heartbeat.
	// Default: 3
	Grace int
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Interval < 0 || c.Grace < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval: 30 * time.Second,
		Grace:    3,
	}
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// AgentID is the unique identifier for this agent.
	AgentID string

	// Interval between heartbeats.
	// Default: 30s
	Interval time.Duration

	// Send delivers one heartbeat message, typically a transport client's
	// Send method.
	Send func(msg *protocol.Message) error
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.AgentID == "" || c.Send == nil {
		return ErrInvalidConfig
	}
	return nil
}

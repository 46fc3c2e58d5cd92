// Package protocol defines the wire message format for the brain pipeline.
//
// All agent-to-agent and agent-to-bridge traffic is framed as Message values
// serialized as JSON over WebSocket. The same Message type is used in-process
// by the bus, so a message published locally and a message received off the
// wire are indistinguishable to subscribers.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingType = errors.New("message type missing")
)

// Well-known message types. Dotted prefixes group related types;
// subscribers may match a full type or a "prefix.*" wildcard.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeHeartbeat  = "heartbeat"

	TypeAgentMessage   = "agent.message"
	TypeAgentRequest   = "agent.request"
	TypeAgentResponse  = "agent.response"
	TypeAgentBroadcast = "agent.broadcast"

	TypeEventLifecycle    = "event.lifecycle"
	TypeEventTool         = "event.tool"
	TypeEventStream       = "event.stream"
	TypeAgentDisconnected = "event.agent_disconnected"

	TypeSyncState    = "sync.state"
	TypeSyncCommand  = "sync.command"
	TypeSyncFeedback = "sync.feedback"

	TypeError = "error"
)

// DefaultTTL is how long a message stays deliverable before the bus
// drops it as stale.
const DefaultTTL = 60 * time.Second

// Message is the unit of communication in the brain pipeline.
// A Message is immutable once sent.
type Message struct {
	// ID uniquely identifies this message.
	ID string `json:"id"`

	// Type routes the message to subscribers (exact or wildcard match).
	Type string `json:"type"`

	// Source is the sending agent's ID.
	Source string `json:"source"`

	// Target is the receiving agent's ID. Empty means broadcast.
	Target string `json:"target,omitempty"`

	// Payload carries the message body.
	Payload map[string]any `json:"payload"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID links a response to its originating request.
	CorrelationID string `json:"correlationId,omitempty"`

	// TTL bounds how long the message stays deliverable. Zero means
	// DefaultTTL.
	TTL time.Duration `json:"-"`
}

// New creates a message with a fresh ID and timestamp.
func New(msgType, source string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Response creates a reply to this message. The correlation ID is copied
// from the request's ID so the bus can resolve the pending request.
func (m *Message) Response(msgType string, payload map[string]any) *Message {
	r := New(msgType, m.Target, payload)
	r.Target = m.Source
	r.CorrelationID = m.ID
	return r
}

// Expired reports whether the message outlived its TTL.
func (m *Message) Expired() bool {
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return time.Since(m.Timestamp) > ttl
}

// Marshal serializes the message to wire JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Parse deserializes a wire message. Returns ErrMalformed for invalid JSON
// and ErrMissingType when the type field is absent; callers drop such
// messages with a logged warning rather than propagating a failure.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrMalformed
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return &m, nil
}

// MatchType reports whether a message type matches a subscription pattern.
// A pattern is either an exact type or a single-level wildcard such as
// "event.*" which matches every type under that prefix.
func MatchType(pattern, msgType string) bool {
	if pattern == msgType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(msgType, prefix+".")
	}
	return false
}

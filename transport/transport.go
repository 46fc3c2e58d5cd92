// Package transport carries the coordination core's logical messages as
// framed JSON over persistent WebSocket connections.
//
// The Server accepts agent connections, enforces the CONNECT handshake,
// tracks per-connection heartbeats, and routes point-to-point and broadcast
// traffic between agents. The Client is the agent-side counterpart with
// automatic reconnection and request/response correlation.
package transport

import (
	"errors"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

// Common errors.
var (
	ErrClosed        = errors.New("transport closed")
	ErrNotConnected  = errors.New("not connected")
	ErrAgentOffline  = errors.New("agent not online")
	ErrHandshake     = errors.New("connect handshake failed")
	ErrNoFreePort    = errors.New("no free port among configured bindings")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// HandlerFunc processes an inbound message. Handlers run on the
// connection's read goroutine; a panicking handler is isolated and logged.
type HandlerFunc func(msg *protocol.Message, conn *AgentConnection)

// Publisher receives inbound transport traffic, typically a message bus.
type Publisher interface {
	Publish(msg *protocol.Message) error
}

// TargetFailer fails pending requests addressed to a disconnected agent so
// callers fail fast instead of waiting out their timeouts. The in-process
// bus implements it.
type TargetFailer interface {
	FailTarget(target string, err error) int
}

// AgentConnection is the transport-level record for one connected agent.
// Other components reference it only by AgentID.
type AgentConnection struct {
	// AgentID identifies the connected agent.
	AgentID string

	// ClientID is the per-connection identifier, distinct from the agent
	// identity so a reconnect is distinguishable from the old connection.
	ClientID string

	// ConnectedAt is when the handshake completed.
	ConnectedAt time.Time

	conn connWriter
}

// connWriter is the write half of a connection, serialized internally.
type connWriter interface {
	writeMessage(msg *protocol.Message) error
	closeNow() error
}

// ServerConfig holds WebSocket server configuration.
type ServerConfig struct {
	// Host to bind. Default: 0.0.0.0
	Host string

	// Port to bind. Zero binds an ephemeral port. Default: 8766
	Port int

	// FallbackPorts are tried in order when Port is already in use.
	FallbackPorts []int

	// HeartbeatInterval between liveness checks. Default: 30s
	HeartbeatInterval time.Duration

	// HeartbeatGrace multiplies the interval to form the eviction window.
	// Default: 3
	HeartbeatGrace int

	// HandshakeTimeout bounds the wait for the CONNECT message. Default: 10s
	HandshakeTimeout time.Duration

	// WriteTimeout for frame writes. Default: 10s
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size. Default: 1MB
	MaxMessageSize int64

	// MessageRateLimit bounds routed messages per agent per window; frames
	// over the limit are dropped with a warning. Zero disables limiting.
	MessageRateLimit int

	// MessageRateWindow is the refill window for MessageRateLimit.
	// Default: 1s
	MessageRateWindow time.Duration
}

// DefaultServerConfig returns configuration with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8766,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    3,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    1024 * 1024, // 1MB
		MessageRateWindow: time.Second,
	}
}

// ClientConfig holds WebSocket client configuration.
type ClientConfig struct {
	// AgentID identifies this agent to the server.
	AgentID string

	// URL of the server (e.g., "ws://localhost:8766").
	URL string

	// AutoReconnect re-establishes a dropped connection. Default: true
	AutoReconnect bool

	// ReconnectInterval between reconnection attempts. Default: 5s
	ReconnectInterval time.Duration

	// HandshakeTimeout bounds the CONNECT exchange. Default: 10s
	HandshakeTimeout time.Duration

	// WriteTimeout for frame writes. Default: 10s
	WriteTimeout time.Duration

	// HeartbeatInterval between client heartbeats (0 = disabled).
	// Default: 30s
	HeartbeatInterval time.Duration

	// RequestTimeout for requests issued without one. Default: 30s
	RequestTimeout time.Duration
}

// DefaultClientConfig returns configuration with sensible defaults.
func DefaultClientConfig(agentID, url string) ClientConfig {
	return ClientConfig{
		AgentID:           agentID,
		URL:               url,
		AutoReconnect:     true,
		ReconnectInterval: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openrobobrain/braincore/heartbeat"
	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// Client is the agent-side connection to the brain server. It performs the
// CONNECT handshake, sends periodic heartbeats, correlates its own requests,
// and reconnects automatically when the link drops.
type Client struct {
	config ClientConfig
	log    *logging.Logger

	mu        sync.Mutex
	conn      *wsConn
	connected bool
	handlers  map[string][]func(msg *protocol.Message)

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	sender  *heartbeat.Sender
	running atomic.Bool
	stopCh  chan struct{}
}

// NewClient creates a client. Call Connect to establish the link.
func NewClient(cfg ClientConfig, log *logging.Logger) (*Client, error) {
	if cfg.AgentID == "" || cfg.URL == "" {
		return nil, ErrInvalidConfig
	}
	def := DefaultClientConfig(cfg.AgentID, cfg.URL)
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if log == nil {
		log = logging.New()
	}
	return &Client{
		config:   cfg,
		log:      log.WithComponent("transport.client").WithAgentID(cfg.AgentID),
		handlers: make(map[string][]func(msg *protocol.Message)),
		pending:  make(map[string]chan *protocol.Message),
	}, nil
}

// AgentID returns the client's agent identity.
func (c *Client) AgentID() string {
	return c.config.AgentID
}

// IsConnected reports whether the link is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnMessage registers a handler for a message type. Handlers run on the
// receive goroutine.
func (c *Client) OnMessage(msgType string, h func(msg *protocol.Message)) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
	c.mu.Unlock()
}

// Connect dials the server and completes the CONNECT handshake. The receive
// loop and heartbeat sender start on success.
func (c *Client) Connect(ctx context.Context) error {
	if c.running.Swap(true) {
		return nil
	}
	c.stopCh = make(chan struct{})

	if err := c.dial(ctx); err != nil {
		c.running.Store(false)
		return err
	}

	go c.receiveLoop(ctx)

	if c.config.HeartbeatInterval > 0 {
		sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
			AgentID:  c.config.AgentID,
			Interval: c.config.HeartbeatInterval,
			Send:     c.Send,
		})
		if err != nil {
			return err
		}
		c.sender = sender
		c.sender.Start(ctx)
	}
	return nil
}

// dial establishes one connection and performs the handshake.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	wsc, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return err
	}

	conn := &wsConn{ws: wsc, writeTimeout: c.config.WriteTimeout}

	connect := protocol.New(protocol.TypeConnect, c.config.AgentID, map[string]any{
		"agentId": c.config.AgentID,
	})
	if err := conn.writeMessage(connect); err != nil {
		conn.closeNow()
		return err
	}

	wsc.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := wsc.ReadMessage()
	if err != nil {
		conn.closeNow()
		return ErrHandshake
	}
	wsc.SetReadDeadline(time.Time{})

	ack, perr := protocol.Parse(data)
	if perr != nil || ack.Type != protocol.TypeConnect {
		conn.closeNow()
		return ErrHandshake
	}
	if status, _ := ack.Payload["status"].(string); status != "connected" {
		conn.closeNow()
		return ErrHandshake
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connected", map[string]interface{}{"url": c.config.URL})
	return nil
}

// receiveLoop reads frames, resolving pending requests and invoking
// handlers. On connection loss it reconnects when configured to.
func (c *Client) receiveLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if !c.config.AutoReconnect {
				return
			}
			c.log.Warn("connection_lost_reconnecting")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		msg, perr := protocol.Parse(data)
		if perr != nil {
			c.log.MessageDropped("unknown", "malformed")
			continue
		}
		c.dispatch(msg)
	}
}

// reconnect retries the dial until it succeeds or the client stops.
func (c *Client) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-c.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(c.config.ReconnectInterval):
		}
		if err := c.dial(ctx); err == nil {
			return true
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	// Responses resolve a pending request and go no further.
	if msg.Type == protocol.TypeAgentResponse && msg.CorrelationID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	handlers := make([]func(msg *protocol.Message), len(c.handlers[msg.Type]))
	copy(handlers, c.handlers[msg.Type])
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(h, msg)
	}
}

func (c *Client) invoke(h func(msg *protocol.Message), msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler_panic", map[string]interface{}{"type": msg.Type})
		}
	}()
	h(msg)
}

// Send writes one message to the server, stamping the source.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	msg.Source = c.config.AgentID
	return conn.writeMessage(msg)
}

// SendToAgent sends a point-to-point message to another agent.
func (c *Client) SendToAgent(target string, payload map[string]any) error {
	msg := protocol.New(protocol.TypeAgentMessage, c.config.AgentID, payload)
	msg.Target = target
	return c.Send(msg)
}

// Broadcast sends a message to all other connected agents.
func (c *Client) Broadcast(payload map[string]any) error {
	return c.Send(protocol.New(protocol.TypeAgentBroadcast, c.config.AgentID, payload))
}

// Request sends a request to another agent and waits for the correlated
// response.
func (c *Client) Request(ctx context.Context, target string, payload map[string]any, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}

	msg := protocol.New(protocol.TypeAgentRequest, c.config.AgentID, payload)
	msg.Target = target

	ch := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	remove := func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(msg); err != nil {
		remove()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		remove()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		remove()
		return nil, ctx.Err()
	}
}

// Respond answers a request received from another agent.
func (c *Client) Respond(request *protocol.Message, payload map[string]any) error {
	return c.Send(request.Response(protocol.TypeAgentResponse, payload))
}

// Disconnect sends an orderly disconnect and tears the link down.
func (c *Client) Disconnect() error {
	if !c.running.Swap(false) {
		return nil
	}
	close(c.stopCh)

	if c.sender != nil {
		c.sender.Stop()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.writeMessage(protocol.New(protocol.TypeDisconnect, c.config.AgentID, nil))
		conn.closeNow()
	}
	return nil
}

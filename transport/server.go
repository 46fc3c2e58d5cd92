package transport

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/openrobobrain/braincore/errors"
	"github.com/openrobobrain/braincore/heartbeat"
	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
	"github.com/openrobobrain/braincore/ratelimit"
)

// Server is the brain-side WebSocket endpoint. Agents connect, identify
// themselves with a CONNECT message, and exchange framed protocol messages
// routed by target or broadcast.
type Server struct {
	config   ServerConfig
	log      *logging.Logger
	upgrader websocket.Upgrader
	monitor  *heartbeat.Monitor
	limiter  ratelimit.Limiter

	mu       sync.RWMutex
	conns    map[string]*AgentConnection
	handlers map[string][]HandlerFunc

	publisher Publisher

	httpServer *http.Server
	listener   net.Listener
	group      *errgroup.Group
	closed     atomic.Bool
}

// NewServer creates a server. Call Start to bind and begin accepting.
func NewServer(cfg ServerConfig, log *logging.Logger) (*Server, error) {
	def := DefaultServerConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port < 0 {
		cfg.Port = def.Port
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatGrace < 1 {
		cfg.HeartbeatGrace = def.HeartbeatGrace
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if log == nil {
		log = logging.New()
	}

	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Interval: cfg.HeartbeatInterval,
		Grace:    cfg.HeartbeatGrace,
	}, log)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	if cfg.MessageRateLimit > 0 {
		if cfg.MessageRateWindow <= 0 {
			cfg.MessageRateWindow = def.MessageRateWindow
		}
		limiter = ratelimit.NewMemoryLimiter()
	}

	return &Server{
		config:  cfg,
		log:     log.WithComponent("transport"),
		monitor: monitor,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
		},
		conns:    make(map[string]*AgentConnection),
		handlers: make(map[string][]HandlerFunc),
	}, nil
}

// AttachBus connects inbound traffic to a message bus. If the bus also
// implements TargetFailer, a dropped agent fails its pending requests
// immediately.
func (s *Server) AttachBus(pub Publisher) {
	s.mu.Lock()
	s.publisher = pub
	s.mu.Unlock()
}

// RegisterHandler adds a handler for a message type.
func (s *Server) RegisterHandler(msgType string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[msgType] = append(s.handlers[msgType], h)
	s.mu.Unlock()
}

// Start binds the listener (falling back through configured alternate ports
// if the primary is taken) and begins accepting connections. It returns once
// the listener is bound; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	if err := s.monitor.Start(); err != nil {
		ln.Close()
		return err
	}
	s.monitor.OnDead(func(agentID string, lastSeen time.Time) {
		s.evict(agentID)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	s.group, _ = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		err := s.httpServer.Serve(ln)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	s.log.Info("server_started", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// listen binds the primary port, then each fallback port in order.
func (s *Server) listen() (net.Listener, error) {
	ports := append([]int{s.config.Port}, s.config.FallbackPorts...)
	for _, port := range ports {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		s.log.Warn("bind_failed", map[string]interface{}{
			"addr":  addr,
			"error": err.Error(),
		})
	}
	return nil, ErrNoFreePort
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleWS upgrades an HTTP request and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	wsc.SetReadLimit(s.config.MaxMessageSize)

	conn := &wsConn{ws: wsc, writeTimeout: s.config.WriteTimeout}

	agent, err := s.handshake(wsc, conn)
	if err != nil {
		s.log.Warn("handshake_failed", map[string]interface{}{"error": err.Error()})
		wsc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected connect message"),
			time.Now().Add(time.Second))
		wsc.Close()
		return
	}

	s.register(agent)
	defer s.cleanup(agent)

	s.readLoop(wsc, agent)
}

// handshake waits for the CONNECT message and acknowledges it.
func (s *Server) handshake(wsc *websocket.Conn, conn *wsConn) (*AgentConnection, error) {
	wsc.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	_, data, err := wsc.ReadMessage()
	if err != nil {
		return nil, ErrHandshake
	}
	wsc.SetReadDeadline(time.Time{})

	msg, err := protocol.Parse(data)
	if err != nil || msg.Type != protocol.TypeConnect {
		return nil, ErrHandshake
	}

	agentID, _ := msg.Payload["agentId"].(string)
	if agentID == "" {
		agentID = msg.Source
	}
	if agentID == "" {
		return nil, ErrHandshake
	}

	agent := &AgentConnection{
		AgentID:     agentID,
		ClientID:    uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	ack := protocol.New(protocol.TypeConnect, "server", map[string]any{
		"status":   "connected",
		"clientId": agent.ClientID,
	})
	ack.Target = agentID
	if err := conn.writeMessage(ack); err != nil {
		return nil, err
	}
	return agent, nil
}

// register stores the connection, displacing any previous connection from
// the same agent.
func (s *Server) register(agent *AgentConnection) {
	s.mu.Lock()
	old := s.conns[agent.AgentID]
	s.conns[agent.AgentID] = agent
	pub := s.publisher
	s.mu.Unlock()

	if old != nil {
		old.conn.closeNow()
	}
	if s.limiter != nil {
		s.limiter.SetCapacity(agent.AgentID, s.config.MessageRateLimit, s.config.MessageRateWindow)
	}
	s.monitor.Beat(agent.AgentID, "")
	s.log.Info("agent_connected", map[string]interface{}{
		"agent":  agent.AgentID,
		"client": agent.ClientID,
	})

	if pub != nil {
		event := protocol.New(protocol.TypeConnect, "server", map[string]any{
			"agentId": agent.AgentID,
		})
		if err := pub.Publish(event); err != nil {
			s.log.Warn("connect_event_failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// cleanup removes the connection and surfaces the disconnect to the rest of
// the core: a synthetic event on the bus plus fast-failing any pending
// requests addressed to the agent.
func (s *Server) cleanup(agent *AgentConnection) {
	s.mu.Lock()
	current, ok := s.conns[agent.AgentID]
	if ok && current.ClientID == agent.ClientID {
		delete(s.conns, agent.AgentID)
	} else {
		// A newer connection for this agent has already taken over.
		ok = false
	}
	pub := s.publisher
	s.mu.Unlock()

	agent.conn.closeNow()
	if !ok {
		return
	}

	s.monitor.Remove(agent.AgentID)
	if s.limiter != nil {
		s.limiter.SetCapacity(agent.AgentID, 0, 0)
	}
	s.log.Info("agent_disconnected", map[string]interface{}{"agent": agent.AgentID})

	if pub == nil {
		return
	}
	event := protocol.New(protocol.TypeAgentDisconnected, "server", map[string]any{
		"agentId": agent.AgentID,
	})
	if err := pub.Publish(event); err != nil {
		s.log.Warn("disconnect_event_failed", map[string]interface{}{"error": err.Error()})
	}
	if failer, ok := pub.(TargetFailer); ok {
		failer.FailTarget(agent.AgentID, coreerrors.ConnectionLost(agent.AgentID))
	}
}

// evict closes a connection whose heartbeat lapsed.
func (s *Server) evict(agentID string) {
	s.mu.RLock()
	agent := s.conns[agentID]
	s.mu.RUnlock()
	if agent == nil {
		return
	}
	// Closing the socket unblocks the read loop, which runs cleanup.
	agent.conn.closeNow()
}

// readLoop processes frames until the connection drops.
func (s *Server) readLoop(wsc *websocket.Conn, agent *AgentConnection) {
	for {
		_, data, err := wsc.ReadMessage()
		if err != nil {
			return
		}

		msg, perr := protocol.Parse(data)
		if perr != nil {
			s.log.MessageDropped("unknown", "malformed")
			continue
		}
		msg.Source = agent.AgentID

		// Any traffic counts as liveness; heartbeats also carry the
		// agent's own clock reading, recorded as-is and parsed lazily.
		if msg.Type == protocol.TypeHeartbeat {
			ts, _ := msg.Payload["timestamp"].(string)
			s.monitor.Beat(agent.AgentID, ts)
			s.sendHeartbeatAck(agent)
			continue
		}
		s.monitor.Beat(agent.AgentID, "")

		if msg.Type == protocol.TypeDisconnect {
			return
		}

		// Over-limit traffic is dropped, not evicted; the agent stays
		// connected and its heartbeats keep counting.
		if s.limiter != nil && !s.limiter.TryAcquire(agent.AgentID) {
			s.log.MessageDropped(msg.Type, "rate_limited")
			continue
		}

		s.route(msg, agent)
	}
}

func (s *Server) sendHeartbeatAck(agent *AgentConnection) {
	ack := protocol.New(protocol.TypeHeartbeat, "server", map[string]any{
		"timestamp": heartbeat.FormatTimestamp(time.Now()),
	})
	ack.Target = agent.AgentID
	agent.conn.writeMessage(ack)
}

// route forwards a message to its target or broadcast set, hands it to the
// attached bus, and invokes registered handlers.
func (s *Server) route(msg *protocol.Message, from *AgentConnection) {
	if msg.Target != "" && msg.Target != "server" {
		if err := s.SendToAgent(msg.Target, msg); err != nil {
			s.log.Warn("route_failed", map[string]interface{}{
				"target": msg.Target,
				"type":   msg.Type,
				"error":  err.Error(),
			})
		}
	} else if msg.Type == protocol.TypeAgentBroadcast {
		s.Broadcast(msg, from.AgentID)
	}

	s.mu.RLock()
	pub := s.publisher
	handlers := make([]HandlerFunc, len(s.handlers[msg.Type]))
	copy(handlers, s.handlers[msg.Type])
	s.mu.RUnlock()

	if pub != nil {
		if err := pub.Publish(msg); err != nil {
			s.log.Warn("bus_publish_failed", map[string]interface{}{"error": err.Error()})
		}
	}
	for _, h := range handlers {
		s.invoke(h, msg, from)
	}
}

func (s *Server) invoke(h HandlerFunc, msg *protocol.Message, from *AgentConnection) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler_panic", map[string]interface{}{
				"type":  msg.Type,
				"agent": from.AgentID,
			})
		}
	}()
	h(msg, from)
}

// SendToAgent delivers a message to one connected agent.
func (s *Server) SendToAgent(agentID string, msg *protocol.Message) error {
	s.mu.RLock()
	agent := s.conns[agentID]
	s.mu.RUnlock()
	if agent == nil {
		return ErrAgentOffline
	}
	return agent.conn.writeMessage(msg)
}

// Broadcast delivers a message to every connected agent except those in
// exclude. Returns the number of successful sends.
func (s *Server) Broadcast(msg *protocol.Message, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	s.mu.RLock()
	agents := make([]*AgentConnection, 0, len(s.conns))
	for _, agent := range s.conns {
		if !skip[agent.AgentID] {
			agents = append(agents, agent)
		}
	}
	s.mu.RUnlock()

	count := 0
	for _, agent := range agents {
		if agent.conn.writeMessage(msg) == nil {
			count++
		}
	}
	return count
}

// OnlineAgents lists currently connected agent IDs.
func (s *Server) OnlineAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]string, 0, len(s.conns))
	for id := range s.conns {
		agents = append(agents, id)
	}
	return agents
}

// IsOnline reports whether an agent is connected.
func (s *Server) IsOnline(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[agentID]
	return ok
}

// Stop shuts the server down: all connections close, the listener stops
// accepting, and the heartbeat monitor halts.
func (s *Server) Stop(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	conns := make([]*AgentConnection, 0, len(s.conns))
	for _, agent := range s.conns {
		conns = append(conns, agent)
	}
	s.mu.Unlock()

	for _, agent := range conns {
		agent.conn.closeNow()
	}

	s.monitor.Stop()
	if s.limiter != nil {
		s.limiter.Close()
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.group != nil {
		if werr := s.group.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	s.log.Info("server_stopped")
	return err
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) writeMessage(msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeNow() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

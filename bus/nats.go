package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// NATSBus implements MessageBus over a NATS connection, for deployments
// where the brain pipeline spans more than one process. Message types map
// directly onto NATS subjects, so the "event.*" and "sync.*" wildcard
// patterns are served by NATS natively.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	log    *logging.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	replyMu sync.Mutex
	replies map[string]pendingReply
}

// pendingReply retains a request's NATS reply inbox so Respond can resolve
// it through the bus surface. Entries expire with the request timeout; by
// then the requester has given up and the inbox is dead.
type pendingReply struct {
	inbox   string
	expires time.Time
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS and returns a bus.
func NewNATSBus(cfg NATSConfig, log *logging.Logger) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if log == nil {
		log = logging.New()
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{
		conn:    conn,
		config:  cfg,
		log:     log.WithComponent("bus.nats"),
		subs:    make(map[string]*nats.Subscription),
		replies: make(map[string]pendingReply),
	}, nil
}

// NewNATSBusFromConn creates a bus from an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig, log *logging.Logger) *NATSBus {
	if log == nil {
		log = logging.New()
	}
	return &NATSBus{
		conn:    conn,
		config:  cfg,
		log:     log.WithComponent("bus.nats"),
		subs:    make(map[string]*nats.Subscription),
		replies: make(map[string]pendingReply),
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// requestSubject addresses a point-to-point request to one agent.
func requestSubject(target string) string {
	return protocol.TypeAgentRequest + "." + target
}

// Publish sends a message to its type subject.
func (b *NATSBus) Publish(msg *protocol.Message) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if msg == nil || msg.Type == "" {
		return ErrInvalidPattern
	}
	if msg.Expired() {
		b.log.MessageDropped(msg.Type, "expired")
		return nil
	}

	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.conn.Publish(msg.Type, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a type pattern. NATS invokes handlers on
// its own dispatch goroutines, so isolation between subscribers comes for
// free; panic recovery is still applied here.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	if handler == nil {
		return "", ErrInvalidPattern
	}
	if b.conn.IsClosed() {
		return "", ErrClosed
	}

	natsSub, err := b.conn.Subscribe(pattern, func(m *nats.Msg) {
		msg, perr := protocol.Parse(m.Data)
		if perr != nil {
			b.log.MessageDropped(m.Subject, "malformed")
			return
		}
		if m.Reply != "" {
			b.rememberReply(msg.ID, m.Reply)
		}
		b.invoke(msg, m, handler)
	})
	if err != nil {
		return "", fmt.Errorf("nats subscribe: %w", err)
	}

	id := "nats-" + uuid.NewString()
	b.mu.Lock()
	b.subs[id] = natsSub
	b.mu.Unlock()
	return id, nil
}

func (b *NATSBus) invoke(msg *protocol.Message, m *nats.Msg, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.HandlerError(msg.Type, m.Sub.Subject, recoveredError{r})
		}
	}()
	if err := handler(msg); err != nil {
		b.log.HandlerError(msg.Type, m.Sub.Subject, err)
	}
}

// Unsubscribe cancels a subscription.
func (b *NATSBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return ErrNoSubscription
	}
	return sub.Unsubscribe()
}

// Request sends a request to the target agent's request subject and waits
// for the correlated reply. NATS owns the pending state here; its inbox
// mechanism guarantees at-most-one resolution and frees the entry on
// timeout.
func (b *NATSBus) Request(ctx context.Context, target string, payload map[string]any, timeout time.Duration) (*protocol.Message, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultConfig().DefaultTimeout
	}

	msg := protocol.New(protocol.TypeAgentRequest, "", payload)
	msg.Target = target
	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := b.conn.RequestWithContext(reqCtx, requestSubject(target), data)
	if err != nil {
		switch {
		case err == nats.ErrTimeout || reqCtx.Err() == context.DeadlineExceeded:
			b.log.RequestTimeout(msg.ID, target, timeout)
			return nil, ErrTimeout
		case ctx.Err() != nil:
			return nil, ErrCanceled
		case err == nats.ErrNoResponders:
			return nil, ErrTimeout
		default:
			return nil, fmt.Errorf("nats request: %w", err)
		}
	}

	resp, perr := protocol.Parse(reply.Data)
	if perr != nil {
		return nil, perr
	}
	return resp, nil
}

// Respond resolves a request received through Subscribe by writing the
// response to its retained reply inbox, which is where Request is waiting.
// Messages that did not arrive as a request fall back to the response
// subject.
func (b *NATSBus) Respond(original *protocol.Message, payload map[string]any) error {
	resp := original.Response(protocol.TypeAgentResponse, payload)
	inbox := b.takeReply(original.ID)
	if inbox == "" {
		return b.Publish(resp)
	}

	if b.conn.IsClosed() {
		return ErrClosed
	}
	data, err := resp.Marshal()
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := b.conn.Publish(inbox, data); err != nil {
		return fmt.Errorf("nats respond: %w", err)
	}
	return nil
}

// rememberReply retains a request's reply inbox, pruning expired entries so
// unanswered requests cannot accumulate.
func (b *NATSBus) rememberReply(messageID, inbox string) {
	ttl := b.config.DefaultTimeout
	if ttl <= 0 {
		ttl = DefaultConfig().DefaultTimeout
	}
	now := time.Now()

	b.replyMu.Lock()
	defer b.replyMu.Unlock()
	for id, rp := range b.replies {
		if now.After(rp.expires) {
			delete(b.replies, id)
		}
	}
	b.replies[messageID] = pendingReply{inbox: inbox, expires: now.Add(ttl)}
}

// takeReply consumes the retained reply inbox for a request, if still live.
func (b *NATSBus) takeReply(messageID string) string {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()
	rp, ok := b.replies[messageID]
	if !ok {
		return ""
	}
	delete(b.replies, messageID)
	if time.Now().After(rp.expires) {
		return ""
	}
	return rp.inbox
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.Unsubscribe()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	return b.conn.Drain()
}

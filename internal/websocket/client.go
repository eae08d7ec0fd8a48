package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer
	defaultWriteTimeout = 10 * time.Second

	// Send pings to peer with this period
	defaultPingInterval = 54 * time.Second

	// Send buffer size
	defaultSendBufferSize = 256

	// Inbound frames per second a client may send, with burst
	defaultInboundRate  = 10
	defaultInboundBurst = 20
)

// Close codes used by the gateway in addition to the RFC 6455 ones.
const (
	StatusSuperseded websocket.StatusCode = 4000
)

var (
	ErrClientClosed   = errors.New("client connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// ConnState is the lifecycle stage of a Client.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateVerifying
	StateRegistered
	StateRejected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateVerifying:
		return "verifying"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the bidirectional channel under a Client. The coder/websocket
// connection is the production implementation.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// wsTransport adapts *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewTransport wraps an accepted websocket connection.
func NewTransport(conn *websocket.Conn, readLimit int64) Transport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// ClientOptions tunes a single connection.
type ClientOptions struct {
	SendBufferSize int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	InboundRate    int
	InboundBurst   int
	RemoteAddr     string
	UserAgent      string
}

// Client represents a single realtime connection
type Client struct {
	// Connection id, unique per process
	ID string

	// User information, set once verification succeeds
	UserID   string
	Username string

	// Connection metadata
	ConnectedAt time.Time
	RemoteAddr  string
	UserAgent   string

	transport Transport
	state     atomic.Int32

	// Buffered channel of outbound frames
	send chan []byte

	writeTimeout time.Duration
	pingInterval time.Duration
	rateLimiter  *RateLimiter
	lastPingAt   atomic.Int64

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	tokens    float64
	maxTokens float64
	refill    float64
	lastTime  time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxPerSecond int, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:    float64(burst),
		maxTokens: float64(burst),
		refill:    float64(maxPerSecond),
		lastTime:  time.Now(),
	}
}

// Allow checks if an action is allowed and consumes a token
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastTime).Seconds()
	r.lastTime = now

	r.tokens += elapsed * r.refill
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// NewClient creates a Client in the connecting state
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = defaultInboundRate
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = defaultInboundBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:           uuid.NewString(),
		ConnectedAt:  time.Now(),
		RemoteAddr:   opts.RemoteAddr,
		UserAgent:    opts.UserAgent,
		transport:    transport,
		send:         make(chan []byte, opts.SendBufferSize),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		rateLimiter:  NewRateLimiter(opts.InboundRate, opts.InboundBurst),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// State returns the current lifecycle stage
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// transition moves the client from one state to another if it is still in
// the expected state and the edge is legal.
func (c *Client) transition(from, to ConnState) bool {
	switch {
	case from == StateConnecting && (to == StateVerifying || to == StateRejected):
	case from == StateVerifying && (to == StateRegistered || to == StateRejected):
	case from == StateRegistered && to == StateClosed:
	default:
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// settle moves the client into its terminal state.
func (c *Client) settle() {
	for {
		switch s := c.State(); s {
		case StateConnecting, StateVerifying:
			if c.transition(s, StateRejected) {
				return
			}
		case StateRegistered:
			if c.transition(s, StateClosed) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) userID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UserID
}

func (c *Client) setIdentity(userID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserID = userID
	c.Username = username
}

// Send queues a frame without blocking. A full buffer drops the frame and
// leaves the connection open.
func (c *Client) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendEvent encodes and queues a single event.
func (c *Client) SendEvent(e Event) error {
	frame, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// writeNow bypasses the send buffer. Used for last words before closing.
func (c *Client) writeNow(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.transport.Write(ctx, frame)
}

// ReadPump consumes inbound frames until the peer goes away or the client
// is closed. The only inbound frame acted on after registration is ping.
func (c *Client) ReadPump() {
	for {
		data, err := c.transport.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Log.Debug("Client disconnected normally",
					logger.WithUserID(c.UserID), logger.WithConnID(c.ID))
			} else if c.ctx.Err() == nil {
				logger.Log.Debug("Read error for client",
					logger.WithUserID(c.UserID), logger.WithConnID(c.ID), zap.Error(err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			logger.Log.Debug("Inbound frame rate limited",
				logger.WithUserID(c.UserID), logger.WithConnID(c.ID))
			continue
		}

		c.handleFrame(data)
	}
}

// inboundFrame is the small vocabulary clients may speak.
type inboundFrame struct {
	Kind       string `json:"kind"`
	Token      string `json:"token,omitempty"`
	ClientTime int64  `json:"clientTime,omitempty"`
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Log.Debug("Ignoring malformed inbound frame",
			logger.WithUserID(c.UserID), zap.Error(err))
		return
	}

	switch frame.Kind {
	case "ping", "heartbeat":
		// Best-effort pong, connection may be closing
		_ = c.SendEvent(Pong{ClientTime: frame.ClientTime, ServerTime: time.Now().UnixMilli()})
	default:
		logger.Log.Debug("Ignoring inbound frame",
			logger.WithUserID(c.UserID), zap.String("kind", frame.Kind))
	}
}

// WritePump drains the send buffer to the transport and keeps the peer
// alive with pings. It returns when the client is closed or a write fails.
func (c *Client) WritePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.transport.Write(ctx, frame)
			cancel()

			if err != nil {
				if c.ctx.Err() == nil {
					logger.Log.Warn("Write error for client",
						logger.WithUserID(c.UserID), logger.WithConnID(c.ID), zap.Error(err))
				}
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-tick:
			c.lastPingAt.Store(time.Now().UnixMilli())

			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.transport.Ping(ctx)
			cancel()

			if err != nil {
				logger.Log.Debug("Ping failed for client",
					logger.WithUserID(c.UserID), logger.WithConnID(c.ID), zap.Error(err))
				c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// Close releases the transport. It is idempotent.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.settle()
	c.cancel()

	if err := c.transport.Close(code, reason); err != nil {
		logger.Log.Debug("Transport close",
			logger.WithConnID(c.ID), zap.String("reason", reason), zap.Error(err))
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsClosed returns whether the client connection is closed
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// GetInfo returns client information
func (c *Client) GetInfo() ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := ClientInfo{
		ConnID:      c.ID,
		UserID:      c.UserID,
		Username:    c.Username,
		State:       c.State().String(),
		ConnectedAt: c.ConnectedAt,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		Buffered:    len(c.send),
	}
	if ms := c.lastPingAt.Load(); ms > 0 {
		info.LastPingAt = time.UnixMilli(ms)
	}
	return info
}

// ClientInfo represents public client information
type ClientInfo struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPingAt  time.Time `json:"last_ping_at"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	Buffered    int       `json:"buffered"`
}

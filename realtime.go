package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire Frames
// ============================================================================

// Frame commands.
const (
	CommandConnected   = "CONNECTED"
	CommandMessage     = "MESSAGE"
	CommandError       = "ERROR"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
)

// Frame is one JSON object on the realtime connection.
type Frame struct {
	Command      string          `json:"command"`
	Destination  string          `json:"destination,omitempty"`
	ID           string          `json:"id,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Message      string          `json:"message,omitempty"`
	User         string          `json:"user,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection. Zero fields take defaults.
type RealtimeConfig struct {
	DisableReconnect bool
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ConnectionState represents the connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is baseDelay*2^attempt plus up to 50% jitter, capped at maxDelay.
// A connection that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Connection
// ============================================================================

type connectionHooks struct {
	// onConnected runs on the supervisor goroutine right after the handshake,
	// before any inbound frame of the new connection is dispatched.
	onConnected func(epoch uint64)
	// onDisconnected runs once per lost connection.
	onDisconnected func()
	// onFrame runs on the read goroutine, in server order.
	onFrame func(Frame)
}

// Connection is the single persistent realtime connection of a Session.
// Transport errors never escape it: they are logged and answered with a
// reconnect.
type Connection struct {
	client *Client
	config RealtimeConfig
	hooks  connectionHooks
	logger *slog.Logger

	mu      sync.Mutex
	state   ConnectionState
	conn    *websocket.Conn
	epoch   uint64
	running bool
	closed  bool
	cancel  context.CancelFunc
	ready   chan struct{}
	done    chan struct{}
}

func newConnection(client *Client, hooks connectionHooks) *Connection {
	cfg := client.realtime
	cfg.defaults()
	c := &Connection{
		client: client,
		config: cfg,
		hooks:  hooks,
		logger: client.logger.With("component", "realtime"),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	client.metrics.RecordState(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can currently be written.
func (c *Connection) Connected() bool {
	_, ok := c.current()
	return ok
}

func (c *Connection) current() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.conn != nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.client.metrics.RecordState(s)
}

// Activate starts the connection supervisor. Calling it while the supervisor
// is already running, connecting or connected is a no-op.
func (c *Connection) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if c.running {
		return nil
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// WaitConnected blocks until the connection is up and every registration has
// been replayed on it, ctx is done or the connection is closed.
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-c.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts the connection down for good.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
}

// Publish sends body as JSON to destination. When the connection is down the
// frame is dropped and ErrNotConnected is returned; nothing is queued.
func (c *Connection) Publish(ctx context.Context, destination string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", destination, err)
	}
	return c.write(ctx, 0, Frame{Command: CommandSend, Destination: destination, Body: payload})
}

// write sends f on the live connection. A non-zero epoch pins the write to
// that connection so a frame meant for a dead connection is never written to
// its successor.
func (c *Connection) write(ctx context.Context, epoch uint64, f Frame) error {
	c.mu.Lock()
	conn := c.conn
	current := c.epoch
	c.mu.Unlock()

	if conn == nil || (epoch != 0 && epoch != current) {
		c.logger.Warn("dropping frame, not connected", "command", f.Command, "destination", f.Destination)
		c.client.metrics.RecordPublishDropped("not_connected")
		return ErrNotConnected
	}

	wctx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, f); err != nil {
		c.logger.Warn("frame write failed", "command", f.Command, "destination", f.Destination, "error", err)
		c.client.metrics.RecordPublishDropped("write_failed")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.client.metrics.RecordPublish(f.Command)
	return nil
}

func (c *Connection) run(ctx context.Context) {
	recon := newReconnector(&c.config)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	for {
		err := c.connectOnce(ctx, recon)
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		if err != nil {
			c.logger.Warn("realtime connection lost", "error", err)
		}
		if c.config.DisableReconnect || !recon.shouldReconnect() {
			c.logger.Warn("giving up on realtime connection", "attempts", recon.attempt)
			return
		}

		delay := recon.nextDelay()
		c.setState(StateReconnecting)
		c.client.metrics.RecordReconnect()
		c.logger.Info("reconnecting", "attempt", recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := c.client.token; token != "" {
		header.Set("Authorization", "Bearer "+token)
		header.Set("Cookie", "jwt-token="+token)
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, c.client.wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(c.config.ReadLimit)

	// First frame must be CONNECTED.
	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read connected frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Command != CommandConnected {
		conn.Close(websocket.StatusPolicyViolation, "expected CONNECTED")
		if f.Command == CommandError {
			return nil, fmt.Errorf("handshake rejected: %s", f.Message)
		}
		return nil, fmt.Errorf("expected %s, got %q", CommandConnected, f.Command)
	}
	c.logger.Debug("realtime connected", "user", f.User)
	return conn, nil
}

// connectOnce dials, runs one connection until it drops and cleans up after it.
func (c *Connection) connectOnce(ctx context.Context, recon *reconnector) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	c.mu.Unlock()
	recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.hooks.onConnected != nil {
		c.hooks.onConnected(epoch)
	}

	c.mu.Lock()
	c.state = StateConnected
	close(c.ready)
	c.mu.Unlock()
	c.client.metrics.RecordState(StateConnected)

	go c.heartbeatLoop(connCtx, conn)

	err = c.readLoop(connCtx, conn)

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.ready = make(chan struct{})
	c.mu.Unlock()
	c.client.metrics.RecordState(StateDisconnected)
	conn.Close(websocket.StatusNormalClosure, "")

	if c.hooks.onDisconnected != nil {
		c.hooks.onDisconnected()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			c.client.metrics.RecordFrameDropped("malformed")
			continue
		}
		c.client.metrics.RecordFrame(f.Command)

		switch f.Command {
		case CommandMessage:
			if c.hooks.onFrame != nil {
				c.hooks.onFrame(f)
			}
		case CommandError:
			c.logger.Warn("server error frame", "message", f.Message, "destination", f.Destination)
		default:
			c.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.config.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force the read loop out so we reconnect.
				c.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// Package stream implements the subscriber side of the push stream: a
// WebSocket client that survives server restarts with exponential backoff,
// a circuit breaker, and heartbeat supervision.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wagermesh/wagerd/internal/domain"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateCircuitOpen  State = "circuit_open"
)

// FrameListener receives every decoded frame. Listeners run on the read
// goroutine; a panicking listener is recovered and logged, never fatal.
type FrameListener func(frame domain.Frame)

// StateListener observes connection state transitions.
type StateListener func(from, to State)

// Config tunes the client.
type Config struct {
	// URL is the full stream endpoint, e.g.
	// "wss://host/ws/markets/mkt-1".
	URL string

	// APIKey, when set, is sent as X-API-Key on the upgrade request.
	APIKey string

	// InitialBackoff is the first reconnect delay. Each subsequent failure
	// multiplies it by BackoffMultiplier up to MaxBackoff, with ±10% jitter
	// so a fleet of subscribers does not reconnect in lockstep.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// HeartbeatTimeout force-closes the connection when no frame of any
	// kind (heartbeats included) arrives within it. Must exceed the
	// server's heartbeat interval.
	HeartbeatTimeout time.Duration

	// FailureThreshold consecutive failed connection attempts open the
	// circuit; the client then waits CircuitCooldown before probing again.
	FailureThreshold int
	CircuitCooldown  time.Duration

	HandshakeTimeout time.Duration
}

// DefaultConfig returns production subscriber settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		HeartbeatTimeout:  60 * time.Second,
		FailureThreshold:  5,
		CircuitCooldown:   2 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Client is a resilient push-stream subscriber. Create with NewClient,
// register listeners, then call Run.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	frameListeners []FrameListener
	typedListeners map[domain.FrameType]map[int]FrameListener
	nextListenerID int
	stateListeners []StateListener

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a Client. Zero config fields fall back to defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = def.CircuitCooldown
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return &Client{
		cfg:            cfg,
		logger:         logger.With(slog.String("component", "stream_client")),
		state:          StateDisconnected,
		typedListeners: make(map[domain.FrameType]map[int]FrameListener),
		done:           make(chan struct{}),
	}
}

// OnFrame registers a listener for every frame type. Register before Run.
func (c *Client) OnFrame(l FrameListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameListeners = append(c.frameListeners, l)
}

// Subscribe registers a listener for a single frame type and returns an id
// usable with Unsubscribe. Safe to call while the client is running.
func (c *Client) Subscribe(t domain.FrameType, l FrameListener) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	if c.typedListeners[t] == nil {
		c.typedListeners[t] = make(map[int]FrameListener)
	}
	c.typedListeners[t][id] = l
	return id
}

// Unsubscribe removes a listener previously added with Subscribe. Unknown
// ids are ignored.
func (c *Client) Unsubscribe(t domain.FrameType, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.typedListeners[t], id)
}

// OnStateChange registers a state listener. Register before Run.
func (c *Client) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, l)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps the stream alive until ctx is cancelled or Close
// is called. It only returns early when the endpoint URL is unusable.
func (c *Client) Run(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)

		connected, err := c.runConnection(ctx)
		if connected {
			// The circuit breaker counts consecutive failed attempts; a
			// session that established and later dropped resets the count.
			failures = 0
		}
		if err == nil || ctx.Err() != nil || c.isClosed() {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		failures++
		c.logger.Warn("stream disconnected",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", failures),
		)

		if failures >= c.cfg.FailureThreshold {
			c.setState(StateCircuitOpen)
			c.logger.Warn("circuit open",
				slog.Duration("cooldown", c.cfg.CircuitCooldown),
			)
			if err := c.sleep(ctx, c.cfg.CircuitCooldown); err != nil {
				c.setState(StateDisconnected)
				return err
			}
			// Half-open: the next attempt either closes the circuit by
			// succeeding or re-opens it immediately.
			failures = c.cfg.FailureThreshold - 1
			continue
		}

		c.setState(StateReconnecting)
		if err := c.sleep(ctx, c.backoff(failures)); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// Close stops the client and releases the connection. Safe to call more
// than once and concurrently with Run.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			conn.Close()
		}
	})
}

// runConnection dials and reads until the connection breaks or the client
// stops. A heartbeat gap beyond HeartbeatTimeout surfaces as a read
// deadline error and tears the connection down. The connected result
// reports whether the dial succeeded at all.
func (c *Client) runConnection(ctx context.Context) (connected bool, _ error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	var hdr map[string][]string
	if c.cfg.APIKey != "" {
		hdr = map[string][]string{"X-API-Key": {c.cfg.APIKey}}
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		return false, fmt.Errorf("stream: connect %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateConnected)
	c.logger.Info("stream connected", slog.String("url", c.cfg.URL))

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Close the socket when ctx or Close fires so the blocking read
	// returns.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-readDone:
			return
		}
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return true, nil
			}
			return true, fmt.Errorf("stream: read: %w: %v", domain.ErrWSDisconnect, err)
		}

		var frame domain.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("stream: dropping malformed frame",
				slog.String("error", err.Error()),
			)
			continue
		}

		c.dispatch(frame)
	}
}

// dispatch invokes every frame listener, recovering panics so one broken
// consumer cannot kill the stream.
func (c *Client) dispatch(frame domain.Frame) {
	c.mu.Lock()
	listeners := make([]FrameListener, 0, len(c.frameListeners)+len(c.typedListeners[frame.Type]))
	listeners = append(listeners, c.frameListeners...)
	for _, l := range c.typedListeners[frame.Type] {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("stream: frame listener panicked",
						slog.Any("panic", r),
						slog.String("frame_type", string(frame.Type)),
					)
				}
			}()
			l(frame)
		}()
	}
}

// setState records a transition and notifies state listeners.
func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	listeners := c.stateListeners
	c.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("stream: state listener panicked", slog.Any("panic", r))
				}
			}()
			l(from, to)
		}()
	}
}

// backoff computes the delay before attempt n (1-based), exponential with
// ±10% jitter, capped at MaxBackoff.
func (c *Client) backoff(n int) time.Duration {
	d := float64(c.cfg.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.cfg.BackoffMultiplier
		if d >= float64(c.cfg.MaxBackoff) {
			d = float64(c.cfg.MaxBackoff)
			break
		}
	}

	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	delay := time.Duration(d * jitter)
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

// sleep waits for d, the context, or Close, whichever comes first. The
// timer is always released.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return nil
	case <-t.C:
		return nil
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

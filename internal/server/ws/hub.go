// Package ws implements the real-time broadcast hub. Clients subscribe to
// one market per connection; a per-market detector polls the store for pool
// and status changes and fans frames out to every subscriber.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wagermesh/wagerd/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds incoming messages; clients only ever send
	// control traffic.
	maxMessageSize = 512

	// sendBufferSize is the per-client outgoing frame buffer.
	sendBufferSize = 64
)

// upgrader configures the WebSocket upgrade parameters. Origin checking is
// handled by the CORS middleware ahead of the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config holds hub tuning.
type Config struct {
	// PollInterval is how often each market detector reads the store.
	PollInterval time.Duration
	// HeartbeatInterval is how often idle connections receive a HEARTBEAT
	// frame.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production hub settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 25 * time.Second,
	}
}

// client is a single WebSocket connection subscribed to one market.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	marketID string
	send     chan []byte
}

// room groups every subscriber of one market with the detector feeding
// them. The detector starts with the first subscriber and stops with the
// last.
type room struct {
	marketID string
	clients  map[*client]bool
	cancel   context.CancelFunc
}

// Hub manages WebSocket subscribers grouped by market. Change detection
// reads the store rather than the signal bus, so a hub replica that missed
// a pub/sub message still converges on the committed state.
type Hub struct {
	markets   domain.MarketStore
	snapshots domain.SnapshotStore
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
	ctx   context.Context // set by Run; parent of every detector
}

// NewHub creates a Hub reading market state from the given stores.
func NewHub(markets domain.MarketStore, snapshots domain.SnapshotStore, cfg Config, logger *slog.Logger) *Hub {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Hub{
		markets:   markets,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		rooms:     make(map[string]*room),
	}
}

// Run anchors the hub to ctx and blocks until cancellation, then closes
// every connection. It must be running before HandleWS accepts clients.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		r.cancel()
		for c := range r.clients {
			close(c.send)
		}
	}
	h.rooms = make(map[string]*room)
	return ctx.Err()
}

// HandleWS upgrades the request and subscribes the connection to the market
// named in the path. Unknown markets are rejected before the upgrade.
// GET /ws/markets/{id}
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("id")
	if marketID == "" {
		http.Error(w, `{"error":"missing market id"}`, http.StatusBadRequest)
		return
	}

	if _, err := h.markets.GetByID(r.Context(), marketID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"market not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"market lookup failed"}`, http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		marketID: marketID,
		send:     make(chan []byte, sendBufferSize),
	}

	if !h.join(c) {
		// Hub is not running (or shutting down).
		conn.Close()
		return
	}

	h.sendCurrentState(c)

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients across all markets.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.rooms {
		n += len(r.clients)
	}
	return n
}

// join adds the client to its market's room, creating the room and its
// detector on first subscribe. Returns false when the hub is not running.
func (h *Hub) join(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx == nil || h.ctx.Err() != nil {
		return false
	}

	r, ok := h.rooms[c.marketID]
	if !ok {
		ctx, cancel := context.WithCancel(h.ctx)
		r = &room{
			marketID: c.marketID,
			clients:  make(map[*client]bool),
			cancel:   cancel,
		}
		h.rooms[c.marketID] = r
		go h.detect(ctx, c.marketID)
	}
	r.clients[c] = true

	h.logger.Info("ws: client subscribed",
		slog.String("market_id", c.marketID),
		slog.Int("room_size", len(r.clients)),
	)
	return true
}

// leave removes the client; the last leaver stops the market's detector.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.marketID]
	if !ok || !r.clients[c] {
		return
	}
	delete(r.clients, c)
	close(c.send)

	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, c.marketID)
	}

	h.logger.Info("ws: client unsubscribed",
		slog.String("market_id", c.marketID),
		slog.Int("room_size", len(r.clients)),
	)
}

// broadcast fans one frame out to every subscriber of the market. Slow
// clients whose buffers are full miss the frame; the next poll resends the
// current state anyway.
func (h *Hub) broadcast(marketID string, frame domain.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("ws: marshal frame failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[marketID]
	if !ok {
		return
	}
	for c := range r.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws: dropping frame for slow client",
				slog.String("market_id", marketID),
			)
		}
	}
}

// detect is the per-market change loop: it polls the latest snapshot and
// the market row, emitting POOL_UPDATE and MARKET_UPDATE frames whenever
// the committed state moved, plus periodic heartbeats.
func (h *Hub) detect(ctx context.Context, marketID string) {
	poll := time.NewTicker(h.cfg.PollInterval)
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer poll.Stop()
	defer heartbeat.Stop()

	var lastSnapshot int64 // last emitted snapshot ID
	var lastStatus domain.MarketStatus
	var marketGone bool

	// Seed lastSnapshot so connecting does not re-emit history; the initial
	// state already went out in sendCurrentState.
	if snap, err := h.snapshots.Latest(ctx, marketID); err == nil {
		lastSnapshot = snap.ID
	}
	if m, err := h.markets.GetByID(ctx, marketID); err == nil {
		lastStatus = m.Status
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			h.broadcast(marketID, domain.NewHeartbeatFrame(marketID, time.Now().UTC()))

		case <-poll.C:
			now := time.Now().UTC()

			snap, err := h.snapshots.Latest(ctx, marketID)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					h.logger.WarnContext(ctx, "ws: snapshot poll failed",
						slog.String("market_id", marketID),
						slog.String("error", err.Error()),
					)
					h.broadcast(marketID, domain.NewErrorFrame(marketID, "POLL_FAILED", "pool state temporarily unavailable", now))
				}
			} else if snap.ID != lastSnapshot {
				lastSnapshot = snap.ID
				h.broadcast(marketID, domain.NewPoolUpdateFrame(snap, now))
			}

			m, err := h.markets.GetByID(ctx, marketID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					// The market row disappeared under an open stream;
					// tell subscribers in-band once instead of going silent.
					if !marketGone {
						marketGone = true
						h.broadcast(marketID, domain.NewErrorFrame(marketID, "MARKET_GONE", "market no longer exists", now))
					}
				} else {
					h.logger.WarnContext(ctx, "ws: market poll failed",
						slog.String("market_id", marketID),
						slog.String("error", err.Error()),
					)
					h.broadcast(marketID, domain.NewErrorFrame(marketID, "POLL_FAILED", "market state temporarily unavailable", now))
				}
				continue
			}
			marketGone = false
			if m.Status != lastStatus {
				lastStatus = m.Status
				h.broadcast(marketID, domain.NewMarketUpdateFrame(m, now))
			}
		}
	}
}

// sendCurrentState pushes the market's current pool and status to a newly
// connected client so it renders without waiting for the next change.
func (h *Hub) sendCurrentState(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if m, err := h.markets.GetByID(ctx, c.marketID); err == nil {
		if data, err := json.Marshal(domain.NewMarketUpdateFrame(m, now)); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	if snap, err := h.snapshots.Latest(ctx, c.marketID); err == nil {
		if data, err := json.Marshal(domain.NewPoolUpdateFrame(snap, now)); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// readPump drains the connection. Clients send no application messages;
// the read loop exists to process pongs and detect the close.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// writePump pumps frames from the hub to the connection and sends periodic
// ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

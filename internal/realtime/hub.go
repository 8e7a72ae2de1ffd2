// Package realtime streams ledger and escrow events over WebSocket.
//
// Clients connect to /ws, optionally narrowing the stream with query
// parameters (walletId, userId, type, minAmount; repeatable), and may later
// send a Subscription message to replace their filter.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfqhub/walletd/internal/metrics"
	"github.com/rfqhub/walletd/internal/notify"
)

// Connection tuning.
const (
	MaxClients     = 10000
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 8 * 1024
)

// expectedClose are close codes that are not worth a warning.
var expectedClose = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription filters what a client receives. Filters combine with AND;
// an empty subscription receives nothing.
type Subscription struct {
	AllEvents  bool               `json:"allEvents"`
	EventTypes []notify.EventType `json:"eventTypes"`
	WalletIDs  []string           `json:"walletIds"`
	UserIDs    []string           `json:"userIds"`
	MinAmount  int64              `json:"minAmount"` // minor units
}

func (s Subscription) empty() bool {
	return !s.AllEvents && len(s.EventTypes) == 0 && len(s.WalletIDs) == 0 &&
		len(s.UserIDs) == 0 && s.MinAmount <= 0
}

func (s Subscription) matches(ev notify.Event) bool {
	if s.AllEvents {
		return true
	}
	if s.empty() {
		return false
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.WalletIDs) > 0 && !slices.Contains(s.WalletIDs, ev.WalletID) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, ev.UserID) {
		return false
	}
	return s.MinAmount <= 0 || ev.Amount >= s.MinAmount
}

// subscriptionFromQuery builds the initial filter. No parameters means the
// full stream.
func subscriptionFromQuery(q url.Values) Subscription {
	sub := Subscription{
		WalletIDs: q["walletId"],
		UserIDs:   q["userId"],
	}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, notify.EventType(t))
	}
	if v, err := strconv.ParseInt(q.Get("minAmount"), 10, 64); err == nil && v > 0 {
		sub.MinAmount = v
	}
	if sub.empty() {
		sub.AllEvents = true
	}
	return sub
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to connected clients. All membership changes go
// through Run.
type Hub struct {
	clients    map[*Client]struct{}
	events     chan notify.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub that accepts same-host and non-browser clients.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan notify.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithOrigins additionally accepts browser connections from origins.
func (h *Hub) WithOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	allowed := slices.Clone(origins)
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		return sameHost(r) || slices.Contains(allowed, r.Header.Get("Origin"))
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run owns client membership until ctx is done. Closing a client's send
// channel tells its writer to close the connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			h.raisePeak(int64(n))
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) raisePeak(n int64) {
	for {
		peak := h.peakClients.Load()
		if n <= peak || h.peakClients.CompareAndSwap(peak, n) {
			return
		}
	}
}

// fanOut encodes ev once and queues it for every matching client. A client
// whose buffer is full is disconnected rather than slowing the others.
func (h *Hub) fanOut(ev notify.Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "eventId", ev.ID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow realtime client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(ev notify.Event) {
	select {
	case h.events <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "eventId", ev.ID)
	}
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Send implements notify.Sink.
func (h *Hub) Send(ctx context.Context, ev notify.Event) error {
	h.Broadcast(ev)
	return nil
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sub := subscriptionFromQuery(r.URL.Query())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  sub,
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription updates and keeps the read deadline fresh.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedClose...) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.setSubscription(sub)
	}
}

// writeLoop drains the send queue and pings the peer.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

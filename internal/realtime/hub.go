// Package realtime streams transaction transitions and oracle runs to
// WebSocket subscribers.
//
// Every event gets a sequence number and the hub keeps the most recent
// events in a ring, so a client that reconnects can send {"since": N} and
// receive what it missed before live delivery resumes.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 256

	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// ReplaySize is how many recent events the hub keeps for resuming clients.
	ReplaySize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser agents
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType for real-time events
type EventType string

const (
	EventTransaction EventType = "transaction"
	EventOracleRun   EventType = "oracle_run"
)

// Event is one streamed message. TxnID and Amount are lifted out of Data
// for filtering.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Parties   []string               `json:"parties,omitempty"`
	TxnID     string                 `json:"txnId,omitempty"`
	Amount    int64                  `json:"-"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is sent by clients as a JSON text frame. An empty
// subscription receives everything. Since > 0 replays retained events with
// a higher sequence number.
type Subscription struct {
	EventTypes     []EventType `json:"eventTypes"`
	Parties        []string    `json:"parties"`
	TransactionIDs []string    `json:"transactionIds"`
	MinAmount      int64       `json:"minAmount"` // minor units, transaction events only
	Since          uint64      `json:"since"`
}

// Matches reports whether evt passes the subscription's filters.
func (s Subscription) Matches(evt *Event) bool {
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, evt.Type) {
		return false
	}
	if len(s.Parties) > 0 && !anyParty(s.Parties, evt.Parties) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !contains(s.TransactionIDs, evt.TxnID) {
		return false
	}
	if s.MinAmount > 0 && evt.Type == EventTransaction && evt.Amount < s.MinAmount {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func anyParty(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats are hub counters.
type Stats struct {
	Connected   int    `json:"connectedClients"`
	TotalEvents int64  `json:"totalEvents"`
	TotalConns  int64  `json:"totalClients"`
	PeakConns   int64  `json:"peakClients"`
	LastSeq     uint64 `json:"lastSeq"`
}

// Hub fans events out to subscribed clients.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}

	seq    atomic.Uint64
	ringMu sync.Mutex
	ring   []*Event
	head   int

	totalEvents atomic.Int64
	totalConns  atomic.Int64
	peakConns   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		ring:       make([]*Event, 0, ReplaySize),
	}
}

// Run delivers events until ctx is done, then closes every client.
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
			h.totalConns.Add(1)
			if int64(n) > h.peakConns.Load() {
				h.peakConns.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case evt := <-h.broadcast:
			h.deliver(evt)
		}
	}
}

func (h *Hub) deliver(evt *Event) {
	msg, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("dropping unencodable event", "type", evt.Type, "error", err)
		return
	}
	h.totalEvents.Add(1)

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(evt) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client")
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

// Emit records and broadcasts an event. It never blocks: a full broadcast
// queue drops the live delivery but the event stays replayable.
func (h *Hub) Emit(kind string, parties []string, data map[string]interface{}) {
	evt := &Event{
		Seq:       h.seq.Add(1),
		Type:      EventType(kind),
		Timestamp: time.Now().UTC(),
		Parties:   parties,
		Data:      data,
	}
	if id, ok := data["id"].(string); ok {
		evt.TxnID = id
	}
	if amount, ok := data["amount"].(int64); ok {
		evt.Amount = amount
	}
	h.remember(evt)

	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast queue full, dropping live event", "seq", evt.Seq, "type", evt.Type)
	}
}

func (h *Hub) remember(evt *Event) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	if len(h.ring) < ReplaySize {
		h.ring = append(h.ring, evt)
		return
	}
	h.ring[h.head] = evt
	h.head = (h.head + 1) % ReplaySize
}

// Since returns retained events with Seq > seq matching sub, oldest first.
func (h *Hub) Since(seq uint64, sub Subscription) []*Event {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	var out []*Event
	for i := 0; i < len(h.ring); i++ {
		evt := h.ring[(h.head+i)%len(h.ring)]
		if evt.Seq > seq && sub.Matches(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Connected:   n,
		TotalEvents: h.totalEvents.Load(),
		TotalConns:  h.totalConns.Load(),
		PeakConns:   h.peakConns.Load(),
		LastSeq:     h.seq.Load(),
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().Connected >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription frames and replays missed events.
func (c *Client) readPump() {
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()

		if sub.Since > 0 {
			c.replay(sub)
		}
	}
}

// replay queues missed events without blocking; a client that cannot take
// the backlog is treated like a slow client on the next live event.
func (c *Client) replay(sub Subscription) {
	for _, evt := range c.hub.Since(sub.Since, sub) {
		msg, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		c.hub.mu.RLock()
		_, live := c.hub.clients[c]
		if live {
			select {
			case c.send <- msg:
			default:
				live = false
			}
		}
		c.hub.mu.RUnlock()
		if !live {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

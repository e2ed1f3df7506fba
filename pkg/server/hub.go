package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/config"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Update is the message pushed to websocket clients.
type Update struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Events    []viewport.Event  `json:"events,omitempty"`
	Snapshot  viewport.Snapshot `json:"snapshot"`
}

func newUpdate(snap viewport.Snapshot, events []viewport.Event) Update {
	return Update{
		Type:      "snapshot",
		Timestamp: time.Now().UnixMilli(),
		Events:    events,
		Snapshot:  snap,
	}
}

// Hub manages websocket connections. All data frames are written from the
// Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	// initial returns the message sent to a client when it connects.
	initial func() interface{}
	logger  *zap.Logger

	mu sync.RWMutex
}

// NewHub creates a hub. initial may be nil.
func NewHub(initial func() interface{}, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		initial:    initial,
		logger:     logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", zap.Int("clients", count))
			if h.initial != nil {
				h.sendInitial(conn)
			}
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", zap.Int("clients", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				if err := write(conn, message); err != nil {
					h.logger.Debug("WebSocket write error", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			h.drop(failed)
		}
	}
}

func (h *Hub) sendInitial(conn *websocket.Conn) {
	message, err := json.Marshal(h.initial())
	if err != nil {
		h.logger.Error("Failed to encode initial snapshot", zap.Error(err))
		return
	}
	if err := write(conn, message); err != nil {
		h.drop([]*websocket.Conn{conn})
	}
}

// drop removes failed connections inline; Run must not block on its own
// unregister channel.
func (h *Hub) drop(conns []*websocket.Conn) {
	if len(conns) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range conns {
		if _, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			conn.Close()
		}
	}
	h.mu.Unlock()
}

func write(conn *websocket.Conn, message []byte) error {
	conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, message)
}

// Broadcast sends a message to all connected clients. Messages are dropped
// when the broadcast buffer is full.
func (h *Hub) Broadcast(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
	return nil
}

// HasClients returns true if there are any connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles GET /v1/ws.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.unregister <- conn
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(config.WSWriteDeadline)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// The presentation layer sends intents over REST; reads only service
	// control frames and detect close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket closed", zap.Error(err))
			}
			return
		}
	}
}

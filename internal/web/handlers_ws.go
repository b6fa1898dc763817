package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/pane-supervisor/internal/metrics"
	"github.com/asheshgoplani/pane-supervisor/internal/pane"
)

// wsServerMessage is the envelope sent to dashboard clients.
type wsServerMessage struct {
	Type   string              `json:"type"` // snapshot, update
	Panes  []pane.PaneSummary  `json:"panes,omitempty"`
	Update *pane.DisplayUpdate `json:"update,omitempty"`
	Time   time.Time           `json:"time"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSendBuffer bounds per-client backlog; a client that cannot keep up
	// is dropped rather than allowed to stall the fanout.
	wsSendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan wsServerMessage
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// wsHub tracks connected dashboard clients.
type wsHub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[string]*wsClient)}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.Gauge("web.ws_clients", nil, int64(n))
}

func (h *wsHub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
	}
	metrics.Gauge("web.ws_clients", nil, int64(n))
}

// broadcast fans an update out without blocking: a full client buffer
// drops the client's connection instead of stalling everyone else.
func (h *wsHub) broadcast(update pane.DisplayUpdate) {
	msg := wsServerMessage{Type: "update", Update: &update, Time: time.Now().UTC()}

	h.mu.Lock()
	var slow []string
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.Unlock()

	for _, id := range slow {
		webLog.Warn("dropping slow websocket client", slog.String("client", id))
		metrics.Inc("web.ws_dropped_slow", nil)
		h.remove(id)
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handlePanesWS upgrades to WebSocket, sends a full snapshot, then streams
// display updates.
func (s *Server) handlePanesWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan wsServerMessage, wsSendBuffer),
	}

	// Queue the initial snapshot before the hub can see the client, so the
	// dashboard renders without waiting for changes and a concurrent
	// broadcast can never drop (and close) the client mid-send.
	client.send <- wsServerMessage{
		Type:  "snapshot",
		Panes: s.sup.Summaries(),
		Time:  time.Now().UTC(),
	}
	s.hub.add(client)
	webLog.Debug("websocket connected", slog.String("client", client.id))

	go s.writeLoop(client)
	s.readLoop(client)
}

// writeLoop owns all writes to the connection, including pings.
func (s *Server) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames (the stream is one-way) and unregisters
// on disconnect.
func (s *Server) readLoop(c *wsClient) {
	defer func() {
		s.hub.remove(c.id)
		webLog.Debug("websocket disconnected", slog.String("client", c.id))
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

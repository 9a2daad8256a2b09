package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/tracker"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message types pushed to surfaces. A surface renders the first frame and
// then applies diffs whose version is newer than the frame it holds.
const (
	MessageFrame = "frame"
	MessageDiff  = "diff"
)

type wsMessage struct {
	Type   string         `json:"type"`
	Frame  *tracker.Frame `json:"frame,omitempty"`
	Change *fleet.Change  `json:"change,omitempty"`
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	refresh chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub pushes tracker updates to connected rendering surfaces.
type Hub struct {
	log      zerolog.Logger
	tracker  *tracker.Tracker
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[*wsClient]struct{}
	unsubscribe func()
}

func NewHub(log zerolog.Logger, tr *tracker.Tracker, m *metrics.Metrics) *Hub {
	h := &Hub{
		log:     log.With().Str("component", "ws").Logger(),
		tracker: tr,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
	h.unsubscribe = tr.Subscribe(h.publish)
	return h
}

// Clients returns the number of connected surfaces.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops listening to the tracker and disconnects every surface.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// Register before taking the first frame so no diff committed after it
	// is missed. Diffs already covered by the frame are skipped by version.
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebSocketClients(n)

	if err := h.writeFrame(c); err != nil {
		h.log.Warn().Err(err).Msg("failed to send initial frame")
		h.drop(c)
		conn.Close()
		return
	}
	h.log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("surface connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) publish(u tracker.Update) {
	switch u.Kind {
	case tracker.UpdateDiff:
		data, err := json.Marshal(wsMessage{Type: MessageDiff, Change: u.Change})
		if err != nil {
			h.log.Error().Err(err).Msg("failed to marshal diff message")
			return
		}
		for _, c := range h.snapshot() {
			select {
			case c.send <- data:
			default:
				// A surface that cannot keep up must reconnect and resync.
				h.log.Warn().Msg("surface send buffer full, disconnecting")
				h.drop(c)
			}
		}
	case tracker.UpdateQuery, tracker.UpdateViewport:
		for _, c := range h.snapshot() {
			select {
			case c.refresh <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Hub) snapshot() []*wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) drop(c *wsClient) {
	c.close()
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.metrics.SetWebSocketClients(n)
		h.log.Info().Int("clients", n).Msg("surface disconnected")
	}
}

func (h *Hub) writeFrame(c *wsClient) error {
	f := h.tracker.Frame()
	data, err := json.Marshal(wsMessage{Type: MessageFrame, Frame: &f})
	if err != nil {
		return err
	}
	return h.write(c, websocket.TextMessage, data)
}

func (h *Hub) write(c *wsClient, messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if err := h.write(c, websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-c.refresh:
			if err := h.writeFrame(c); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop discards inbound messages; surfaces drive the view over HTTP.
func (h *Hub) readLoop(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
	}
}

package messenger

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/workbeat/worker/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
)

// Envelope is a JSON payload delivered to connected pages. MessageID is set
// for RPC calls awaiting a reply and empty for broadcasts.
type Envelope struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// inbound is a payload received from a page: either an RPC reply (MessageID
// set, carrying result or error) or a control message.
type inbound struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ControlHandler receives page control messages (skip-waiting,
// clear-notifications, update-badge, notification clicks).
type ControlHandler func(msgType string, data json.RawMessage)

// Hub owns the worker side of the page channel: it tracks connected pages,
// fans out broadcasts, and routes RPC replies back to pending calls.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*connection]struct{}
	pending  map[string]chan inbound
	control  ControlHandler
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a page messenger hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*connection]struct{}),
		pending: make(map[string]chan inbound),
		log:     logger.WithComponent("messenger"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// SetControlHandler installs the callback for inbound control messages.
func (h *Hub) SetControlHandler(handler ControlHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.control = handler
}

// Serve upgrades the HTTP connection to a WebSocket and registers the page.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newConnection(h, conn)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writeLoop()
	client.readLoop()
}

// ClientCount returns the number of connected pages.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an envelope to every connected page and returns how
// many pages it was queued for. The read lock is held for the duration of
// enqueueing: unregister (and with it close(send)) takes the write lock,
// so a registered client's channel cannot close mid-send.
func (h *Hub) Broadcast(envelope Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		h.enqueue(client, envelope)
	}
	return len(h.clients)
}

func (h *Hub) enqueue(client *connection, envelope Envelope) {
	select {
	case client.send <- envelope:
	default:
		h.log.Warn("dropping backpressured page connection")
		// close unregisters under the write lock; detach so it does not
		// deadlock against the read lock held by the caller
		go client.close()
	}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

// dispatch routes one inbound payload: RPC replies resolve pending calls,
// everything else goes to the control handler. A reply arriving after its
// call settled is ignored.
func (h *Hub) dispatch(msg inbound) {
	if msg.MessageID != "" {
		h.mu.RLock()
		waiter, ok := h.pending[msg.MessageID]
		h.mu.RUnlock()

		if ok {
			select {
			case waiter <- msg:
			default:
			}
			return
		}
		// straggler reply from a slower page after first-reply-wins
		h.log.Debug("ignoring late reply", zap.String("message_id", msg.MessageID))
		return
	}

	h.mu.RLock()
	handler := h.control
	h.mu.RUnlock()

	if handler != nil {
		handler(msg.Type, msg.Data)
	}
}

func (h *Hub) registerPending(messageID string) chan inbound {
	waiter := make(chan inbound, 1)
	h.mu.Lock()
	h.pending[messageID] = waiter
	h.mu.Unlock()
	return waiter
}

func (h *Hub) releasePending(messageID string) {
	h.mu.Lock()
	delete(h.pending, messageID)
	h.mu.Unlock()
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	send   chan Envelope
	once   sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn) *connection {
	return &connection{
		hub:    hub,
		socket: conn,
		send:   make(chan Envelope, defaultBufferSize),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected page disconnect", zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.hub.log.Warn("invalid page payload", zap.Error(err))
			continue
		}

		c.hub.dispatch(msg)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case envelope, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(envelope); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

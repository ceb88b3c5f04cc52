package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/page-companion/companion/internal/logging"
	"github.com/page-companion/companion/internal/metrics"
	"github.com/page-companion/companion/internal/voice"
	"github.com/page-companion/companion/internal/wsorigin"
)

// Controller is the part of *voice.Session the bridge drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Toggle(ctx context.Context) error
	EndUtterance() error
	State() voice.State
}

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Hub serves sidebar connections. It implements voice.Notifier by
// broadcasting status events to every client.
type Hub struct {
	relay    voice.CommandRelay
	metrics  *metrics.Metrics
	lang     string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	ctrl    Controller
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// NewHub returns a hub; Bind must be called before requests arrive.
// Cross-origin handshakes are refused unless the origin is in allowedOrigins.
func NewHub(relay voice.CommandRelay, m *metrics.Metrics, lang string, allowedOrigins ...string) *Hub {
	h := &Hub{relay: relay, metrics: m, lang: lang, clients: make(map[*client]struct{})}
	h.upgrader = wsorigin.Upgrader(allowedOrigins)
	return h
}

// Bind attaches the voice controller.
func (h *Hub) Bind(ctrl Controller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctrl = ctrl
}

func (h *Hub) controller() Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctrl
}

// Notify broadcasts st as a voice.status event.
func (h *Hub) Notify(st voice.Status) {
	b, err := json.Marshal(Event{Type: TypeVoiceStatus, ID: uuid.NewString(), Payload: st})
	if err != nil {
		logging.Errorw("bridge: marshal status", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(b)
	}
}

// Clients returns the number of connected sidebars.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("bridge: upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.BridgeClientConnected()
	logging.Debugw("bridge: client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	h.readLoop(r.Context(), c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	h.metrics.BridgeClientGone()
	logging.Debugw("bridge: client gone", "remote", r.RemoteAddr)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	ctx = context.WithoutCancel(ctx)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(fail("", "invalid request"))
			continue
		}
		// Requests run concurrently so a stop is not queued behind a slow
		// start.
		go func() { c.reply(h.Handle(ctx, req)) }()
	}
}

// Handle executes one request.
func (h *Hub) Handle(ctx context.Context, req Request) Response {
	ctrl := h.controller()
	if ctrl == nil && req.Type != TypeCommand {
		return fail(req.ID, "voice unavailable")
	}
	switch req.Type {
	case TypeVoiceStart:
		if err := ctrl.Start(ctx); err != nil {
			return fail(req.ID, voice.UserMessage(h.lang, err))
		}
	case TypeVoiceStop:
		ctrl.Stop()
	case TypeVoiceToggle:
		if err := ctrl.Toggle(ctx); err != nil {
			return fail(req.ID, voice.UserMessage(h.lang, err))
		}
	case TypeVoiceEndUtterance:
		if err := ctrl.EndUtterance(); err != nil {
			return fail(req.ID, voice.UserMessage(h.lang, err))
		}
	case TypeVoiceState:
	case TypeCommand:
		var cmd voice.Command
		if err := json.Unmarshal(req.Payload, &cmd); err != nil || cmd.Action == "" {
			return fail(req.ID, "command needs an action")
		}
		if h.relay == nil {
			return fail(req.ID, "command relay unavailable")
		}
		h.relay.Dispatch(ctx, cmd)
		return ok(req.ID, nil)
	default:
		return fail(req.ID, "unknown request type "+req.Type)
	}
	return ok(req.ID, statePayload{State: ctrl.State().String()})
}

func (c *client) reply(resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		logging.Errorw("bridge: marshal response", "err", err)
		return
	}
	c.enqueue(b)
}

// enqueue drops the message when the client is not keeping up.
func (c *client) enqueue(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		logging.Warnw("bridge: client send buffer full, dropping message")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

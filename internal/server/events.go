package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/consult-capture/internal/session"
	"github.com/skypro1111/consult-capture/internal/upload"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 30 * time.Second
	eventSendBuffer = 64
)

// Event types pushed to /events subscribers
const (
	EventStateChange    = "state_change"
	EventUploadStatus   = "upload_status"
	EventUploadProgress = "upload_progress"
	EventUploadComplete = "upload_complete"
	EventError          = "error"
)

// Event is one caller event as sent over the websocket
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The agent listens on the clinician's machine; the dashboard origin varies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans session callbacks out to websocket subscribers. Slow
// subscribers are disconnected rather than allowed to block publishing.
type EventHub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewEventHub creates an empty hub
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger:  logger.With(slog.String("component", "events")),
		now:     time.Now,
		clients: make(map[*eventClient]struct{}),
	}
}

// Callbacks returns session callbacks that publish to the hub
func (h *EventHub) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnStateChange: func(from, to session.State) {
			h.Publish(EventStateChange, map[string]session.State{"from": from, "to": to})
		},
		OnUploadStatusChange: func(s upload.Status) {
			h.Publish(EventUploadStatus, map[string]upload.Status{"status": s})
		},
		OnUploadProgress: func(percent int) {
			h.Publish(EventUploadProgress, map[string]int{"percent": percent})
		},
		OnUploadComplete: func(r upload.Result) {
			h.Publish(EventUploadComplete, r)
		},
		OnError: func(err *session.Error) {
			h.Publish(EventError, err)
		},
	}
}

// Publish sends an event to every subscriber
func (h *EventHub) Publish(eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Time: h.now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("Failed to encode event",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("Dropping slow event subscriber")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected subscribers
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer leaves
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &eventClient{
		conn: conn,
		send: make(chan []byte, eventSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Event subscriber connected", slog.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound messages and detects disconnects
func (h *EventHub) readLoop(c *eventClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Event subscriber read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every subscriber and refuses new ones
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

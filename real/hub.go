package real

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/ephemera/messaging"
	"github.com/sirupsen/logrus"
)

const (
	hubWriteWait  = 10 * time.Second
	hubSendBuffer = 256
)

// Hub fans committed changes out to websocket subscribers. It implements
// interfaces.Publisher and http.Handler.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*hubClient]struct{}
	closed   bool
}

type hubClient struct {
	conn   *websocket.Conn
	userID string
	send   chan messaging.ChangeEvent
	once   sync.Once
}

// NewHub creates a hub. An empty allowedOrigins accepts every origin.
func NewHub(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events for the user named by
// the "user" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.ServeHTTP",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	c := &hubClient{conn: conn, userID: userID, send: make(chan messaging.ChangeEvent, hubSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Hub.ServeHTTP",
		"user_id":  userID,
		"clients":  total,
	}).Info("Subscriber connected")

	go h.writeLoop(c)

	// Reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) writeLoop(c *hubClient) {
	for e := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		if err := c.conn.WriteJSON(e); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Hub.writeLoop",
				"user_id":  c.userID,
				"error":    err.Error(),
			}).Warn("Failed to write change event")
			h.drop(c)
			return
		}
	}
}

// Publish implements interfaces.Publisher. It never blocks; a subscriber
// whose buffer is full is disconnected and resynchronizes on reconnect.
func (h *Hub) Publish(e messaging.ChangeEvent) {
	participants := e.Participants()

	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		if !concerns(participants, c.userID) {
			continue
		}
		select {
		case c.send <- e:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.Publish",
			"user_id":  c.userID,
			"event":    e.Key(),
		}).Warn("Subscriber too slow, disconnecting")
		h.drop(c)
	}
}

func concerns(participants []string, userID string) bool {
	if len(participants) == 0 {
		return true
	}
	for _, p := range participants {
		if p == userID {
			return true
		}
	}
	return false
}

// drop removes a client and closes its connection once. The send channel
// is closed under the write lock so Publish never sends on it afterwards.
func (h *Hub) drop(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
	h.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.drop",
			"user_id":  c.userID,
			"clients":  remaining,
		}).Info("Subscriber disconnected")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
	return nil
}

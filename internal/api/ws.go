package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"btcore/internal/domain"
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans session snapshots out to websocket clients. A client that
// cannot keep up is dropped rather than allowed to stall the broadcast.
type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *logrus.Logger
}

func newWSHub(logger *logrus.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debugf("ws client connected, total: %d", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debugf("ws client disconnected, total: %d", len(h.clients))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	close(h.done)
}

// BroadcastSnapshots sends the full session list to all connected clients.
// Never blocks: a full broadcast channel drops the update, the next tick
// carries fresher data anyway.
func (h *wsHub) BroadcastSnapshots(snapshots []domain.SessionSnapshot) {
	msg := wsMessage{Type: "sessions", Data: snapshots}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("ws marshal failed: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

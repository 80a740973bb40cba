package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/utils/log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubSendBuffer = 16
	hubWriteWait  = 5 * time.Second
	hubPingPeriod = 30 * time.Second
)

type (
	// Hub fans sealed block summaries out to websocket subscribers. A
	// subscriber that falls behind is dropped rather than slowing the sealer.
	Hub struct {
		mu       sync.RWMutex
		clients  map[*hubClient]struct{}
		upgrader websocket.Upgrader
	}

	hubClient struct {
		conn *websocket.Conn
		send chan []byte
	}
)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) AppendBlock(_ context.Context, block *model.Block) error {
	data, err := json.Marshal(block.Summary())
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

func (h *Hub) broadcast(data []byte) {
	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn("block feed subscriber too slow, dropping", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()
		log.Debug("block feed subscriber joined", zap.String("remote", conn.RemoteAddr().String()))

		go c.writePump()
		go c.readPump(h)
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the peer going away.
func (c *hubClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Debug("block feed subscriber left", zap.Error(err))
			return
		}
	}
}

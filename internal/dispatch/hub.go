package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// wsSession represents one connected client.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub holds websocket sessions subscribed to broadcast channels.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*wsSession]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[*wsSession]struct{}),
		logger:   logger.With("component", "hub"),
	}
}

// Add subscribes conn to channel. The session is dropped when the peer goes
// away; incoming frames are discarded.
func (h *Hub) Add(channel string, conn *websocket.Conn) {
	s := &wsSession{conn: conn}
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*wsSession]struct{})
	}
	h.channels[channel][s] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.remove(channel, s)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(channel string, s *wsSession) {
	h.mu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

// Subscribers returns the number of sessions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) Publish(ctx context.Context, channel, eventType string, payload any) error {
	h.mu.RLock()
	subs := make([]*wsSession, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	msg, err := json.Marshal(NewEnvelope(channel, eventType, payload))
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := s.send(msg); err != nil {
			h.logger.Debug("ws send failed, dropping session", "channel", channel, "error", err)
			h.remove(channel, s)
		}
	}
	return nil
}

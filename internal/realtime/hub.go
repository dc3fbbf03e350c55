package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Bus carries session events between server instances. Publish must not
// deliver locally; every instance, the publisher included, receives the event
// through its subscription.
type Bus interface {
	Publish(ctx context.Context, sessionID uuid.UUID, payload []byte) error
	Subscribe(sessionID uuid.UUID, handler func(payload []byte)) (cancel func(), err error)
}

// busEnvelope is what travels on the bus.
type busEnvelope struct {
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	At      int64           `json:"at"`
}

// Hub maintains session_id -> set of connections and fans events out to them.
// With a Bus it scales horizontally; without one delivery is local only.
type Hub struct {
	// sessionID -> map[clientID]*Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel bus subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	bus      Bus
}

// NewHub creates a new WebSocket hub. bus may be nil.
func NewHub(logger *zap.Logger, bus Bus) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		bus:      bus,
	}
}

// Join adds a client to a session group. The first local client of a session
// starts the bus subscription for it. Subscribing is a network round trip, so
// it runs without holding the hub lock.
func (h *Hub) Join(c *Client, sessionID uuid.UUID) error {
	h.mu.Lock()
	if _, ok := h.sessions[sessionID]; ok || h.bus == nil {
		h.addLocked(c, sessionID)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	cancel, err := h.bus.Subscribe(sessionID, func(payload []byte) {
		h.receive(sessionID, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribe session: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; ok {
		// Another join subscribed while this one was waiting.
		cancel()
	} else {
		h.subs[sessionID] = cancel
	}
	h.addLocked(c, sessionID)
	return nil
}

func (h *Hub) addLocked(c *Client, sessionID uuid.UUID) {
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*Client)
	}
	h.sessions[sessionID][c.ID] = c
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
}

// Leave removes a client from a session group. Cancels the bus subscription
// when the last local client leaves.
func (h *Hub) Leave(c *Client, sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.sessions[sessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, sessionID)
			if cancel, ok := h.subs[sessionID]; ok {
				cancel()
				delete(h.subs, sessionID)
			}
		}
	}
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", sessionID.String()))
}

// ClientCount returns the number of local clients in a session.
func (h *Hub) ClientCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Publish fans msg out to every member of the session on every instance,
// except the client with ID exclude (empty excludes nobody).
func (h *Hub) Publish(ctx context.Context, sessionID uuid.UUID, msg ServerMessage, exclude string) error {
	env, err := Encode(msg)
	if err != nil {
		return err
	}
	if h.bus == nil {
		h.deliver(sessionID, env, exclude)
		return nil
	}
	body, err := json.Marshal(busEnvelope{Exclude: exclude, Event: env.Event, Data: env.Data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, sessionID, body); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	return nil
}

// Send delivers msg to a single local client.
func (h *Hub) Send(c *Client, msg ServerMessage) {
	env, err := Encode(msg)
	if err != nil {
		h.logger.Error("encode message failed", zap.String("event", msg.Event()), zap.Error(err))
		return
	}
	c.enqueue(env)
}

func (h *Hub) receive(sessionID uuid.UUID, payload []byte) {
	var p busEnvelope
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn("dropping malformed bus message", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	h.deliver(sessionID, WSMessage{Event: p.Event, Data: p.Data}, p.Exclude)
}

// deliver sends to local clients only.
func (h *Hub) deliver(sessionID uuid.UUID, msg WSMessage, exclude string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions[sessionID]))
	for id, c := range h.sessions[sessionID] {
		if id != exclude {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(msg)
	}
}

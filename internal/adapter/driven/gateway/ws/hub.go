package ws

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

// Hub is the presence map: user id -> live connections. It implements
// port.Presence and is the only state shared across calls.
type Hub struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[domain.ConnectionID]port.Connection
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[domain.UserID]map[domain.ConnectionID]port.Connection),
	}
}

func (h *Hub) LiveConnectionsFor(userID domain.UserID) []port.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]port.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Add(c port.Connection) {
	h.mu.Lock()
	conns, ok := h.users[c.UserID()]
	if !ok {
		conns = make(map[domain.ConnectionID]port.Connection)
		h.users[c.UserID()] = conns
	}
	conns[c.ID()] = c
	n := len(conns)
	h.mu.Unlock()

	log.Info().Str("user_id", c.UserID().String()).Str("conn_id", c.ID().String()).Int("connections", n).Msg("Client registered")
}

func (h *Hub) Remove(c port.Connection) {
	h.mu.Lock()
	conns, ok := h.users[c.UserID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[c.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c.ID())
	n := len(conns)
	if n == 0 {
		delete(h.users, c.UserID())
	}
	h.mu.Unlock()

	log.Info().Str("user_id", c.UserID().String()).Str("conn_id", c.ID().String()).Int("connections", n).Msg("Client unregistered")
}

// Online returns the number of users with at least one live connection.
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Stop closes every connection and empties the map.
func (h *Hub) Stop() {
	h.mu.Lock()
	users := h.users
	h.users = make(map[domain.UserID]map[domain.ConnectionID]port.Connection)
	h.mu.Unlock()

	for _, conns := range users {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Str("conn_id", c.ID().String()).Msg("Error closing client connection")
			}
		}
	}
}

package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub tracks live sync sessions per user.
type Hub struct {
	sessions map[uuid.UUID]map[*Session]struct{}
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[uuid.UUID]map[*Session]struct{})}
}

// Add registers a session under its user.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := s.info.UserID
	if _, ok := h.sessions[userID]; !ok {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
}

// Remove forgets a session.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := s.info.UserID
	if sessions, ok := h.sessions[userID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.sessions, userID)
		}
	}
}

// Count reports the sessions open for a user.
func (h *Hub) Count(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Total reports every open session.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, sessions := range h.sessions {
		total += len(sessions)
	}
	return total
}

// CloseAll closes every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Session, 0)
	for _, sessions := range h.sessions {
		for s := range sessions {
			all = append(all, s)
		}
	}
	h.sessions = make(map[uuid.UUID]map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

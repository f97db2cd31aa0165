package transport

import "sync"

// Hub tracks the websocket sessions connected to this process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*session)}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	logger.Debugf("session %s registered, %d connected", s.id, n)
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	logger.Debugf("session %s unregistered, %d connected", s.id, n)
}

// Live reports whether a session is connected. It is used as the
// registry's liveness check.
func (h *Hub) Live(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[sessionID]
	return ok
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ABOUTME: Connection registry mapping agent identifiers to live connections.
// ABOUTME: Enforces at most one routable connection per identifier (duplicates rejected).

package router

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already connected.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Registry tracks all connected agents. A second connection under an
// already-present identifier is rejected, never silently superseded, so two
// connections for one id are never simultaneously routable.
type Registry struct {
	agents map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Conn),
		logger: logger,
	}
}

// Register adds a new agent connection.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (r *Registry) Register(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[conn.ID]; exists {
		return ErrAgentAlreadyRegistered
	}

	r.agents[conn.ID] = conn
	r.logger.Info("agent connected",
		"agent_id", conn.ID,
		"total_agents", len(r.agents),
	)
	return nil
}

// Unregister removes an agent connection. Removal is keyed by connection
// identity, not just id, so a rejected duplicate can never evict the
// original on its way out.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.agents[conn.ID]; exists && current == conn {
		delete(r.agents, conn.ID)
		r.logger.Info("agent disconnected",
			"agent_id", conn.ID,
			"total_agents", len(r.agents),
		)
	}
}

// Get retrieves a specific agent connection by ID.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.agents[id]
	return conn, ok
}

// IsOnline reports whether an agent currently holds a live connection.
// Satisfies discovery.Connectivity.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// List returns a snapshot of all connected agents.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.agents))
	for _, conn := range r.agents {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

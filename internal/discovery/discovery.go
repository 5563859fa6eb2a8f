// ABOUTME: In-memory discovery service: agent registrations and capability queries.
// ABOUTME: Liveness is connection-derived: disconnected agents are invisible to queries.

package discovery

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medrex/fabric/internal/envelope"
)

// Status values used by registrations and query filters.
const (
	StatusActive = "active"
	StatusAny    = "any"
)

// Connectivity reports whether an agent currently holds a live connection.
// The router's connection registry satisfies this interface.
type Connectivity interface {
	IsOnline(agentID string) bool
}

// Registration is the discovery record for one agent. Records are upserted
// on every DISCOVERY_REGISTER and never expired by time alone; a registration
// for a disconnected agent persists but is invisible to queries.
type Registration struct {
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name"`
	AgentType    string            `json:"agent_type"`
	Capabilities []string          `json:"capabilities"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Service is the in-memory registry answering register and query requests.
type Service struct {
	mu            sync.Mutex
	registrations map[string]*Registration
	connectivity  Connectivity
	logger        *slog.Logger
}

// NewService creates a discovery service backed by the given connectivity check.
func NewService(connectivity Connectivity, logger *slog.Logger) *Service {
	return &Service{
		registrations: make(map[string]*Registration),
		connectivity:  connectivity,
		logger:        logger,
	}
}

// HandleRequest processes an envelope addressed to the discovery service and
// returns the response envelope to send back down the same connection.
// Internal failures are caught and converted to an ERROR response rather
// than crashing the router.
func (s *Service) HandleRequest(senderID string, env *envelope.Envelope) (resp *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during discovery processing",
				"sender_id", senderID,
				"message_type", env.Header.MessageType,
				"panic", r,
			)
			resp = s.errorReply(senderID, env, envelope.CodeInternalError, "internal discovery failure")
		}
	}()

	switch env.Header.MessageType {
	case envelope.TypeDiscoveryRegister:
		return s.handleRegister(senderID, env)
	case envelope.TypeDiscoveryQuery:
		return s.handleQuery(senderID, env)
	default:
		return s.errorReply(senderID, env, envelope.CodeMalformedEnvelope,
			fmt.Sprintf("discovery does not handle message type %q", env.Header.MessageType))
	}
}

// handleRegister validates and upserts a registration, then acknowledges.
func (s *Service) handleRegister(senderID string, env *envelope.Envelope) *envelope.Envelope {
	payload := env.Payload

	agentID, _ := payload["agent_id"].(string)
	if agentID == "" {
		return s.errorReply(senderID, env, envelope.CodeInvalidRegistration, "agent_id is required")
	}
	// Anti-spoofing: the declared identity must match the transport-level one.
	if agentID != senderID {
		return s.errorReply(senderID, env, envelope.CodeIdentityMismatch,
			fmt.Sprintf("payload agent_id %q does not match connection identity %q", agentID, senderID))
	}

	name, _ := payload["name"].(string)
	if name == "" {
		return s.errorReply(senderID, env, envelope.CodeInvalidRegistration, "name is required")
	}

	rawCaps, ok := payload["capabilities"]
	if !ok {
		return s.errorReply(senderID, env, envelope.CodeInvalidRegistration, "capabilities is required")
	}
	caps, err := normalizeCapabilityList(rawCaps)
	if err != nil {
		return s.errorReply(senderID, env, envelope.CodeInvalidRegistration, err.Error())
	}

	status, _ := payload["status"].(string)
	if status == "" {
		status = StatusActive
	}
	agentType, _ := payload["agent_type"].(string)

	reg := &Registration{
		AgentID:      agentID,
		Name:         name,
		AgentType:    agentType,
		Capabilities: caps,
		Status:       status,
		Metadata:     stringMap(payload["metadata"]),
		LastSeen:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.registrations[agentID] = reg
	total := len(s.registrations)
	s.mu.Unlock()

	s.logger.Info("agent registered with discovery",
		"agent_id", agentID,
		"name", name,
		"capabilities", caps,
		"total_registrations", total,
	)

	return env.Reply(envelope.ServiceDiscovery, envelope.TypeDiscoveryAck, map[string]any{
		"status":   "registered",
		"agent_id": agentID,
	})
}

// handleQuery evaluates a by-id or by-capability query over a snapshot taken
// under the lock, filtered by connectedness and status.
func (s *Service) handleQuery(senderID string, env *envelope.Envelope) *envelope.Envelope {
	payload := env.Payload

	rawID, hasID := payload["agent_id"]
	rawCaps, hasCaps := payload["capabilities"]
	if hasID == hasCaps {
		return s.errorReply(senderID, env, envelope.CodeInvalidQuery,
			"exactly one of agent_id or capabilities is required")
	}

	statusFilter, _ := payload["status"].(string)
	if statusFilter == "" {
		statusFilter = StatusActive
	}

	var matches []*Registration
	if hasID {
		queryID, ok := rawID.(string)
		if !ok || queryID == "" {
			return s.errorReply(senderID, env, envelope.CodeInvalidQuery, "agent_id must be a non-empty string")
		}
		matches = s.queryByID(queryID, statusFilter)
	} else {
		wanted, err := normalizeCapabilityList(rawCaps)
		if err != nil {
			return s.errorReply(senderID, env, envelope.CodeInvalidQuery, err.Error())
		}
		if len(wanted) == 0 {
			return s.errorReply(senderID, env, envelope.CodeInvalidQuery, "capability list must not be empty")
		}
		matches = s.queryByCapabilities(wanted, statusFilter)
	}

	status := "success"
	if len(matches) == 0 {
		status = "not_found"
	}
	// The status field must agree with result emptiness; verify before
	// sending rather than trusting the branches above stay in sync.
	if (status == "success") != (len(matches) > 0) {
		s.logger.Error("inconsistent query response", "status", status, "matches", len(matches))
		return s.errorReply(senderID, env, envelope.CodeInternalError, "inconsistent query response")
	}

	agents := make([]any, 0, len(matches))
	for _, reg := range matches {
		agents = append(agents, registrationPayload(reg))
	}

	return env.Reply(envelope.ServiceDiscovery, envelope.TypeDiscoveryResponse, map[string]any{
		"status": status,
		"agents": agents,
	})
}

// queryByID returns at most one registration: present, connected, and
// matching the status filter.
func (s *Service) queryByID(agentID, statusFilter string) []*Registration {
	s.mu.Lock()
	reg, ok := s.registrations[agentID]
	var snapshot *Registration
	if ok {
		snapshot = reg.clone()
	}
	s.mu.Unlock()

	if snapshot == nil || !s.visible(snapshot, statusFilter) {
		return nil
	}
	return []*Registration{snapshot}
}

// queryByCapabilities returns every visible registration whose capability
// set is a superset of wanted. No ranking: selection policy is the caller's.
func (s *Service) queryByCapabilities(wanted []string, statusFilter string) []*Registration {
	s.mu.Lock()
	snapshot := make([]*Registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		snapshot = append(snapshot, reg.clone())
	}
	s.mu.Unlock()

	var matches []*Registration
	for _, reg := range snapshot {
		if !s.visible(reg, statusFilter) {
			continue
		}
		if hasAllCapabilities(reg.Capabilities, wanted) {
			matches = append(matches, reg)
		}
	}

	// Deterministic order for callers and tests; map iteration is not.
	sort.Slice(matches, func(i, j int) bool { return matches[i].AgentID < matches[j].AgentID })
	return matches
}

// visible applies the connectedness and status filters.
func (s *Service) visible(reg *Registration, statusFilter string) bool {
	if !s.connectivity.IsOnline(reg.AgentID) {
		return false
	}
	return statusFilter == StatusAny || reg.Status == statusFilter
}

// Remove deletes a registration outright. Disconnection does not call this;
// disconnected agents merely become invisible to queries.
func (s *Service) Remove(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registrations[agentID]; !ok {
		return false
	}
	delete(s.registrations, agentID)
	return true
}

// Get returns a copy of the registration for an agent, if present.
func (s *Service) Get(agentID string) (*Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[agentID]
	if !ok {
		return nil, false
	}
	return reg.clone(), true
}

// Count returns the number of stored registrations, connected or not.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registrations)
}

// errorReply builds an ERROR envelope correlated to the failed request.
func (s *Service) errorReply(senderID string, env *envelope.Envelope, code, message string) *envelope.Envelope {
	s.logger.Warn("discovery request rejected",
		"sender_id", senderID,
		"code", code,
		"message", message,
	)
	return envelope.NewError(envelope.ServiceDiscovery, senderID, env.Header.CorrelationID, code, message)
}

// clone returns a deep copy so snapshots never alias stored state.
func (r *Registration) clone() *Registration {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// registrationPayload renders a registration as a JSON-compatible map.
func registrationPayload(reg *Registration) map[string]any {
	caps := make([]any, len(reg.Capabilities))
	for i, c := range reg.Capabilities {
		caps[i] = c
	}
	out := map[string]any{
		"agent_id":     reg.AgentID,
		"name":         reg.Name,
		"agent_type":   reg.AgentType,
		"capabilities": caps,
		"status":       reg.Status,
		"last_seen":    reg.LastSeen.Format(time.RFC3339Nano),
	}
	if len(reg.Metadata) > 0 {
		md := make(map[string]any, len(reg.Metadata))
		for k, v := range reg.Metadata {
			md[k] = v
		}
		out["metadata"] = md
	}
	return out
}

// normalizeCapabilityList coerces a payload value into a normalized
// capability set: each entry trimmed and lowercased, empties dropped,
// duplicates collapsed. Non-list or non-string input is an error.
func normalizeCapabilityList(raw any) ([]string, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	default:
		return nil, fmt.Errorf("capabilities must be a list of strings, got %T", raw)
	}

	seen := make(map[string]bool, len(items))
	caps := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("capabilities must be a list of strings, got element %T", item)
		}
		s = NormalizeCapability(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		caps = append(caps, s)
	}
	return caps, nil
}

// stringMap coerces a payload metadata value into map[string]string,
// discarding non-string values. A missing or malformed value yields nil.
func stringMap(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeCapability trims and lowercases a single capability tag.
func NormalizeCapability(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// hasAllCapabilities reports whether have ⊇ want. Both sides are normalized.
func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

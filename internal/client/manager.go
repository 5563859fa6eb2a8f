// ABOUTME: Agent-side connection manager: dial with retry, receive loop,
// ABOUTME: heartbeat loop, and the correlated request/response layer.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/medrex/fabric/internal/config"
	"github.com/medrex/fabric/internal/envelope"
	"github.com/medrex/fabric/internal/retry"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by Connect on a connected manager.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrRequestTimeout is returned when a correlated request's deadline
	// elapses before a matching response arrives.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrConnectionClosed is returned when the connection died while a
	// correlated request was still in flight.
	ErrConnectionClosed = errors.New("client: connection closed")
)

// Handler processes one inbound envelope. Handlers run on their own
// goroutine; the receive loop never waits for them.
type Handler func(ctx context.Context, env *envelope.Envelope)

// AgentInfo is one discovery match as seen by a querying agent.
type AgentInfo struct {
	AgentID      string
	Name         string
	AgentType    string
	Capabilities []string
	Status       string
}

// Manager owns an agent's connection to the router. It dials with the
// configured retry budget, runs the receive and heartbeat loops, and resolves
// correlated responses against the pending table. It does not reconnect on
// its own: when the connection dies the loops stop and the caller decides
// whether to call Connect again.
type Manager struct {
	cfg     *config.AgentConfig
	logger  *slog.Logger
	pending *pendingTable

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	fallback   Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	writeMu sync.Mutex

	ws        atomic.Pointer[websocket.Conn]
	connected atomic.Bool
}

// NewManager creates a disconnected manager for the given agent config.
func NewManager(cfg *config.AgentConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "client", "agent_id", cfg.AgentID),
		pending:  newPendingTable(),
		handlers: make(map[string]Handler),
	}
}

// OnMessage registers a handler for a message type. Must be called before
// Connect; later registrations race with the receive loop.
func (m *Manager) OnMessage(messageType string, h Handler) {
	m.handlersMu.Lock()
	m.handlers[messageType] = h
	m.handlersMu.Unlock()
}

// OnUnhandled registers a fallback for message types with no explicit
// handler.
func (m *Manager) OnUnhandled(h Handler) {
	m.handlersMu.Lock()
	m.fallback = h
	m.handlersMu.Unlock()
}

// IsConnected reports whether the manager believes its connection is alive.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Connect dials the router with the configured retry budget and starts the
// receive and heartbeat loops. Exhausting the budget is a terminal error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected.Load() {
		return ErrAlreadyConnected
	}

	policy := retry.Policy{
		MaxAttempts:  m.cfg.Connect.MaxAttempts,
		InitialDelay: m.cfg.Connect.InitialDelay,
		MaxDelay:     m.cfg.Connect.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}

	url := strings.TrimRight(m.cfg.RouterURL, "/") + "/ws/" + m.cfg.AgentID

	var ws *websocket.Conn
	err := retry.Do(ctx, m.logger, policy, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, url, nil)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", url, err)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("connecting to router: %w", err)
	}

	// Loops outlive the dial context; Disconnect owns their cancellation.
	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)

	m.ws.Store(ws)
	m.cancel = cancel
	m.group = g
	m.connected.Store(true)

	g.Go(func() error { return m.receiveLoop(gctx, ws) })
	g.Go(func() error { return m.heartbeatLoop(gctx) })

	m.logger.Info("connected to router", "url", url)
	return nil
}

// Disconnect stops both loops, closes the transport, and fails any pending
// requests. Safe to call repeatedly and on a never-connected manager.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}

	m.cancel()
	if err := m.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Debug("loop error during disconnect", "error", err)
	}
	if ws := m.ws.Load(); ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}

	m.ws.Store(nil)
	m.cancel = nil
	m.group = nil
	m.connected.Store(false)
	m.pending.failAll()

	m.logger.Info("disconnected from router")
	return nil
}

// Wait blocks until the receive and heartbeat loops exit and returns the
// first loop error. Returns nil immediately if never connected.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}

// Send transmits one envelope. Writes are serialized; concurrent senders
// never interleave frames.
func (m *Manager) Send(ctx context.Context, env *envelope.Envelope) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}

	frame, err := env.Encode()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ws := m.ws.Load()
	if ws == nil {
		return ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		m.connected.Store(false)
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Request sends a correlated envelope and blocks until a response with the
// same correlation id arrives, the configured request timeout elapses, or the
// context is canceled. An ERROR response resolves the request; the caller
// inspects the returned envelope's type.
func (m *Manager) Request(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env.Header.CorrelationID == "" {
		env.Header.CorrelationID = env.Header.MessageID
	}
	corrID := env.Header.CorrelationID

	ch := m.pending.add(corrID)
	defer m.pending.remove(corrID)

	if err := m.Send(ctx, env); err != nil {
		return nil, err
	}

	timeout := m.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s (correlation_id=%s)", ErrRequestTimeout, timeout, corrID)
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	}
}

// RegisterSelf announces this agent's capabilities to the discovery service
// and waits for the acknowledgement.
func (m *Manager) RegisterSelf(ctx context.Context) error {
	payload := map[string]any{
		"agent_id":     m.cfg.AgentID,
		"name":         m.cfg.Name,
		"capabilities": m.cfg.Capabilities,
	}
	if m.cfg.AgentType != "" {
		payload["agent_type"] = m.cfg.AgentType
	}
	if len(m.cfg.Metadata) > 0 {
		payload["metadata"] = m.cfg.Metadata
	}

	env := envelope.NewToService(m.cfg.AgentID, envelope.ServiceDiscovery, envelope.TypeDiscoveryRegister, payload)
	resp, err := m.Request(ctx, env)
	if err != nil {
		return fmt.Errorf("registering with discovery: %w", err)
	}
	if resp.Header.MessageType == envelope.TypeError {
		return fmt.Errorf("registration rejected: %s: %s", resp.ErrorCode(), resp.ErrorMessage())
	}
	if resp.Header.MessageType != envelope.TypeDiscoveryAck {
		return fmt.Errorf("unexpected registration response type %q", resp.Header.MessageType)
	}

	m.logger.Info("registered with discovery", "capabilities", m.cfg.Capabilities)
	return nil
}

// QueryDiscovery sends a capability query and returns its correlation id
// immediately. The DISCOVERY_RESPONSE arrives asynchronously through the
// registered handler for that type.
func (m *Manager) QueryDiscovery(ctx context.Context, capabilities []string) (string, error) {
	env := envelope.NewToService(m.cfg.AgentID, envelope.ServiceDiscovery, envelope.TypeDiscoveryQuery, map[string]any{
		"capabilities": capabilities,
	})
	env.Header.CorrelationID = env.Header.MessageID

	if err := m.Send(ctx, env); err != nil {
		return "", err
	}
	return env.Header.CorrelationID, nil
}

// QueryAgents is the blocking form of QueryDiscovery: it waits for the
// response and parses the matches.
func (m *Manager) QueryAgents(ctx context.Context, capabilities []string) ([]AgentInfo, error) {
	env := envelope.NewToService(m.cfg.AgentID, envelope.ServiceDiscovery, envelope.TypeDiscoveryQuery, map[string]any{
		"capabilities": capabilities,
	})

	resp, err := m.Request(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("querying discovery: %w", err)
	}
	if resp.Header.MessageType == envelope.TypeError {
		return nil, fmt.Errorf("discovery query rejected: %s: %s", resp.ErrorCode(), resp.ErrorMessage())
	}

	return parseAgentInfos(resp.Payload), nil
}

// parseAgentInfos extracts the agent list from a DISCOVERY_RESPONSE payload.
// Malformed entries are skipped rather than failing the whole response.
func parseAgentInfos(payload map[string]any) []AgentInfo {
	raw, _ := payload["agents"].([]any)
	infos := make([]AgentInfo, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		info := AgentInfo{}
		info.AgentID, _ = entry["agent_id"].(string)
		info.Name, _ = entry["name"].(string)
		info.AgentType, _ = entry["agent_type"].(string)
		info.Status, _ = entry["status"].(string)
		if caps, ok := entry["capabilities"].([]any); ok {
			for _, c := range caps {
				if s, ok := c.(string); ok {
					info.Capabilities = append(info.Capabilities, s)
				}
			}
		}
		if info.AgentID != "" {
			infos = append(infos, info)
		}
	}
	return infos
}

// receiveLoop reads frames until the connection dies or the context is
// canceled. Malformed inbound frames are logged and skipped; the loop only
// terminates on transport errors.
func (m *Manager) receiveLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			m.connected.Store(false)
			m.pending.failAll()

			status := websocket.CloseStatus(err)
			if ctx.Err() != nil || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				m.logger.Info("receive loop stopped")
				return ctx.Err()
			}
			m.logger.Warn("connection lost", "error", err)
			return fmt.Errorf("receive: %w", err)
		}

		env, err := envelope.Decode(frame)
		if err != nil {
			m.logger.Warn("dropping malformed inbound frame", "error", err)
			continue
		}

		// Fire-and-forget relative to the loop: a slow handler must not
		// stall further receives.
		go m.dispatch(ctx, env)
	}
}

// dispatch routes one inbound envelope: pending-correlation match first, then
// the type handler, then the fallback. Unmatched responses are discarded.
func (m *Manager) dispatch(ctx context.Context, env *envelope.Envelope) {
	corrID := env.Header.CorrelationID
	if corrID != "" && envelope.IsResponseType(env.Header.MessageType) {
		if m.pending.resolve(corrID, env) {
			return
		}
	}

	m.handlersMu.RLock()
	h := m.handlers[env.Header.MessageType]
	fb := m.fallback
	m.handlersMu.RUnlock()

	if h == nil {
		h = fb
	}
	if h == nil {
		if env.Header.MessageType == envelope.TypePong {
			m.logger.Debug("heartbeat acknowledged")
			return
		}
		if envelope.IsResponseType(env.Header.MessageType) {
			m.logger.Warn("discarding unmatched response",
				"message_type", env.Header.MessageType,
				"correlation_id", corrID,
			)
			return
		}
		m.logger.Debug("no handler for message", "message_type", env.Header.MessageType)
		return
	}

	h(ctx, env)
}

// heartbeatLoop sends a PING to the router every interval. A failed send
// means the connection is gone; the loop stops and takes the group with it.
func (m *Manager) heartbeatLoop(ctx context.Context) error {
	interval := m.cfg.Heartbeat.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ping := envelope.NewToService(m.cfg.AgentID, envelope.ServiceRouter, envelope.TypePing, nil)
			if err := m.Send(ctx, ping); err != nil {
				m.logger.Warn("heartbeat failed, treating connection as lost", "error", err)
				return fmt.Errorf("heartbeat: %w", err)
			}
			m.logger.Debug("heartbeat sent")
		}
	}
}

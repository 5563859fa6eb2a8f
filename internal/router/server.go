// ABOUTME: Router/gateway server: accepts one websocket per agent id and forwards envelopes.
// ABOUTME: Hosts the discovery service, health endpoints, and the Prometheus metrics endpoint.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/medrex/fabric/internal/config"
	"github.com/medrex/fabric/internal/discovery"
	"github.com/medrex/fabric/internal/envelope"
	"github.com/medrex/fabric/internal/metrics"
)

// Server orchestrates the fabric router: the connection registry, the
// discovery service, and the HTTP/websocket listener.
type Server struct {
	config     *config.RouterConfig
	registry   *Registry
	discovery  *discovery.Service
	metrics    *metrics.Collector
	httpServer *http.Server
	logger     *slog.Logger

	// baseCancel tears down all connection contexts during shutdown;
	// http.Server.Shutdown alone never interrupts hijacked websockets.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a router server from configuration.
func New(cfg *config.RouterConfig, logger *slog.Logger) *Server {
	registry := NewRegistry(logger.With("component", "registry"))
	disco := discovery.NewService(registry, logger.With("component", "discovery"))
	collector := metrics.NewCollector("fabric")

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		registry:   registry,
		discovery:  disco,
		metrics:    collector,
		logger:     logger.With("component", "router"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("GET /ws/{agent_id}", s.handleAgentSocket)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, collector.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	return s
}

// Registry exposes the connection registry (used by tests and cmd wiring).
func (s *Server) Registry() *Registry { return s.registry }

// Handler exposes the HTTP handler so tests can mount the router on an
// httptest server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Discovery exposes the discovery service.
func (s *Server) Discovery() *discovery.Service { return s.discovery }

// Run starts the router and blocks until the context is canceled or the
// listener fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.ListenAddr, err)
	}

	s.logger.Info("router listening",
		"addr", ln.Addr().String(),
		"metrics_enabled", s.config.Metrics.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sweepDone := make(chan struct{})
	go s.sweepIdleConnections(sweepDone)
	defer close(sweepDone)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops accepting connections, tears down live agent sockets, and
// waits for the HTTP server to drain within the context's budget.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down router")

	s.baseCancel()
	for _, conn := range s.registry.List() {
		_ = conn.Close(websocket.StatusGoingAway, "router shutting down")
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// sweepIdleConnections closes connections that have gone silent beyond the
// heartbeat timeout. Agents heartbeat at the configured interval, so a silent
// connection is a dead one.
func (s *Server) sweepIdleConnections(done <-chan struct{}) {
	ticker := time.NewTicker(s.config.Agents.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, conn := range s.registry.List() {
				idle := time.Since(conn.LastActivity())
				if idle > s.config.Agents.HeartbeatTimeout {
					s.logger.Warn("closing idle connection",
						"agent_id", conn.ID,
						"idle", idle,
					)
					s.metrics.ConnectionErrors.WithLabelValues("heartbeat_timeout").Inc()
					_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				}
			}
		}
	}
}

// handleAgentSocket accepts one websocket per agent. Identity comes from the
// path, never from payload content.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	if s.config.Agents.ReadLimit > 0 {
		ws.SetReadLimit(s.config.Agents.ReadLimit)
	}

	conn := NewConn(agentID, ws, s.logger.With("agent_id", agentID))

	if err := s.registry.Register(conn); err != nil {
		s.metrics.ConnectionErrors.WithLabelValues("duplicate_id").Inc()
		s.logger.Warn("rejecting duplicate connection", "agent_id", agentID)
		_ = ws.Close(websocket.StatusPolicyViolation, "agent id already connected")
		return
	}
	s.metrics.ConnectedAgents.Set(float64(s.registry.Count()))

	defer func() {
		s.registry.Unregister(conn)
		s.metrics.ConnectedAgents.Set(float64(s.registry.Count()))
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	s.receiveLoop(r.Context(), conn)
}

// receiveLoop reads frames until the connection dies. Each frame is handled
// inline: the work per frame is a map lookup plus one write, and per-
// connection FIFO ordering must be preserved.
func (s *Server) receiveLoop(ctx context.Context, conn *Conn) {
	var limiter *rate.Limiter
	if rl := s.config.Agents.RateLimit; rl.Enabled {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				s.logger.Info("agent disconnected", "agent_id", conn.ID)
			} else {
				s.metrics.ConnectionErrors.WithLabelValues("read").Inc()
				s.logger.Warn("connection read failed", "agent_id", conn.ID, "error", err)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.metrics.EnvelopesRouted.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
			s.sendError(ctx, conn, "", envelope.CodeRateLimited, "inbound rate limit exceeded")
			continue
		}

		s.dispatch(ctx, conn, frame)
	}
}

// dispatch parses, validates, and routes one frame. Malformed frames are
// answered with an ERROR envelope and never forwarded; the loop survives them.
func (s *Server) dispatch(ctx context.Context, conn *Conn, frame []byte) {
	env, err := envelope.Decode(frame)
	if err != nil {
		s.metrics.EnvelopesRouted.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		s.logger.Warn("dropping malformed frame", "agent_id", conn.ID, "error", err)
		s.sendError(ctx, conn, "", envelope.CodeMalformedEnvelope, err.Error())
		return
	}

	msgType := env.Header.MessageType
	if err := env.Validate(); err != nil {
		code := envelope.CodeMalformedEnvelope
		if errors.Is(err, envelope.ErrVersionMismatch) {
			code = envelope.CodeUnsupportedVersion
		}
		s.metrics.EnvelopesRouted.WithLabelValues(msgType, metrics.OutcomeRejected).Inc()
		s.logger.Warn("dropping invalid envelope", "agent_id", conn.ID, "message_type", msgType, "error", err)
		s.sendError(ctx, conn, env.Header.CorrelationID, code, err.Error())
		return
	}

	// Sender identity is the connection's path identity, not payload content.
	if env.Header.SenderID != conn.ID {
		s.metrics.EnvelopesRouted.WithLabelValues(msgType, metrics.OutcomeRejected).Inc()
		s.logger.Warn("sender id does not match connection identity",
			"agent_id", conn.ID,
			"claimed_sender", env.Header.SenderID,
		)
		s.sendError(ctx, conn, env.Header.CorrelationID, envelope.CodeIdentityMismatch,
			fmt.Sprintf("sender_id %q does not match connection identity %q", env.Header.SenderID, conn.ID))
		return
	}

	switch {
	case env.Header.TargetService == envelope.ServiceDiscovery:
		s.handleDiscovery(ctx, conn, env)
	case env.Header.TargetService != "":
		s.handleRouterService(ctx, conn, env)
	default:
		s.forward(ctx, conn, env, frame)
	}
}

// handleDiscovery hands the envelope to the discovery service and sends the
// response back down the same connection.
func (s *Server) handleDiscovery(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	resp := s.discovery.HandleRequest(conn.ID, env)

	op := "register"
	if env.Header.MessageType == envelope.TypeDiscoveryQuery {
		op = "query"
	}
	status := "error"
	if resp.Header.MessageType != envelope.TypeError {
		if st, ok := resp.Payload["status"].(string); ok {
			status = st
		}
	}
	s.metrics.DiscoveryRequests.WithLabelValues(op, status).Inc()
	s.metrics.EnvelopesRouted.WithLabelValues(env.Header.MessageType, metrics.OutcomeConsumed).Inc()

	if err := conn.Send(ctx, resp); err != nil {
		s.metrics.ConnectionErrors.WithLabelValues("write").Inc()
		s.logger.Warn("failed to send discovery response", "agent_id", conn.ID, "error", err)
	}
}

// handleRouterService answers envelopes addressed to the router itself.
// Only liveness pings are understood.
func (s *Server) handleRouterService(ctx context.Context, conn *Conn, env *envelope.Envelope) {
	if env.Header.TargetService == envelope.ServiceRouter && env.Header.MessageType == envelope.TypePing {
		s.metrics.EnvelopesRouted.WithLabelValues(envelope.TypePing, metrics.OutcomeConsumed).Inc()
		pong := env.Reply(envelope.ServiceRouter, envelope.TypePong, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err := conn.Send(ctx, pong); err != nil {
			s.metrics.ConnectionErrors.WithLabelValues("write").Inc()
			s.logger.Warn("failed to send pong", "agent_id", conn.ID, "error", err)
		}
		return
	}

	s.metrics.EnvelopesRouted.WithLabelValues(env.Header.MessageType, metrics.OutcomeRejected).Inc()
	s.sendError(ctx, conn, env.Header.CorrelationID, envelope.CodeUnknownTarget,
		fmt.Sprintf("unknown service %q for message type %q", env.Header.TargetService, env.Header.MessageType))
}

// forward relays the raw frame unchanged to the target agent's connection.
// Delivery is best effort: no queuing, no store-and-forward.
func (s *Server) forward(ctx context.Context, conn *Conn, env *envelope.Envelope, frame []byte) {
	target, ok := s.registry.Get(env.Header.TargetAgentID)
	if !ok {
		s.metrics.EnvelopesRouted.WithLabelValues(env.Header.MessageType, metrics.OutcomeDropped).Inc()
		s.logger.Warn("dropping envelope for unknown target",
			"sender_id", conn.ID,
			"target_agent_id", env.Header.TargetAgentID,
			"message_type", env.Header.MessageType,
		)
		s.sendError(ctx, conn, env.Header.CorrelationID, envelope.CodeUnknownTarget,
			fmt.Sprintf("agent %q is not connected", env.Header.TargetAgentID))
		return
	}

	if err := target.SendRaw(ctx, frame); err != nil {
		s.metrics.EnvelopesRouted.WithLabelValues(env.Header.MessageType, metrics.OutcomeDropped).Inc()
		s.metrics.ConnectionErrors.WithLabelValues("write").Inc()
		s.logger.Warn("forwarding failed",
			"sender_id", conn.ID,
			"target_agent_id", target.ID,
			"error", err,
		)
		return
	}

	s.metrics.EnvelopesRouted.WithLabelValues(env.Header.MessageType, metrics.OutcomeForwarded).Inc()
	s.logger.Debug("envelope forwarded",
		"sender_id", conn.ID,
		"target_agent_id", target.ID,
		"message_type", env.Header.MessageType,
	)
}

// sendError sends a correlated ERROR envelope back to the offending sender.
// Failures are logged; there is nothing further to do for a dying socket.
func (s *Server) sendError(ctx context.Context, conn *Conn, correlationID, code, message string) {
	e := envelope.NewError(envelope.ServiceRouter, conn.ID, correlationID, code, message)
	if err := conn.Send(ctx, e); err != nil {
		s.logger.Debug("failed to send error envelope", "agent_id", conn.ID, "error", err)
	}
}

// handleHealth returns 200 OK if the router is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	count := s.registry.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", count)
}

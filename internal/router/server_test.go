// ABOUTME: End-to-end tests for the router server over real websockets.
// ABOUTME: Covers forwarding, service dispatch, rejection codes, and health.

package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/fabric/internal/config"
	"github.com/medrex/fabric/internal/envelope"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultRouterConfig()
	s := New(cfg, testLogger())
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func dialAgent(t *testing.T, ts *httptest.Server, agentID string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + agentID
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	})
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env *envelope.Envelope) {
	t.Helper()

	frame, err := env.Encode()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, frame))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, frame, err := ws.Read(ctx)
	require.NoError(t, err)

	env, err := envelope.Decode(frame)
	require.NoError(t, err)
	return env
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	ping := envelope.NewToService("agent-a", envelope.ServiceRouter, envelope.TypePing, nil)
	ping.Header.CorrelationID = ping.Header.MessageID
	sendEnvelope(t, ws, ping)

	pong := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypePong, pong.Header.MessageType)
	assert.Equal(t, ping.Header.MessageID, pong.Header.CorrelationID)
	assert.Equal(t, "agent-a", pong.Header.TargetAgentID)
}

func TestForwardBetweenAgents(t *testing.T) {
	_, ts := newTestServer(t)
	wsA := dialAgent(t, ts, "agent-a")
	wsB := dialAgent(t, ts, "agent-b")

	task := envelope.New("agent-a", "agent-b", envelope.TypeTaskAssign, map[string]any{
		"task": "summarize",
		"text": "héllo wörld",
	})
	sendEnvelope(t, wsA, task)

	got := readEnvelope(t, wsB)
	assert.Equal(t, task.Header.MessageID, got.Header.MessageID)
	assert.Equal(t, "agent-a", got.Header.SenderID)
	assert.Equal(t, envelope.TypeTaskAssign, got.Header.MessageType)
	assert.Equal(t, "héllo wörld", got.Payload["text"])
}

func TestUnknownTargetReturnsError(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	task := envelope.New("agent-a", "agent-ghost", envelope.TypeTaskAssign, nil)
	task.Header.CorrelationID = task.Header.MessageID
	sendEnvelope(t, ws, task)

	errEnv := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypeError, errEnv.Header.MessageType)
	assert.Equal(t, envelope.CodeUnknownTarget, errEnv.ErrorCode())
	assert.Equal(t, task.Header.MessageID, errEnv.Header.CorrelationID)
}

func TestDuplicateAgentIDRejected(t *testing.T) {
	_, ts := newTestServer(t)
	wsFirst := dialAgent(t, ts, "agent-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent-a"
	wsSecond, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer wsSecond.Close(websocket.StatusNormalClosure, "")

	// The second connection is closed server-side with a policy violation.
	_, _, err = wsSecond.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	// The original connection is unaffected.
	ping := envelope.NewToService("agent-a", envelope.ServiceRouter, envelope.TypePing, nil)
	sendEnvelope(t, wsFirst, ping)
	pong := readEnvelope(t, wsFirst)
	assert.Equal(t, envelope.TypePong, pong.Header.MessageType)
}

func TestIdentityMismatchRejected(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	spoofed := envelope.New("agent-impostor", "agent-b", envelope.TypeTaskAssign, nil)
	sendEnvelope(t, ws, spoofed)

	errEnv := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypeError, errEnv.Header.MessageType)
	assert.Equal(t, envelope.CodeIdentityMismatch, errEnv.ErrorCode())
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("this is not json\n")))

	errEnv := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypeError, errEnv.Header.MessageType)
	assert.Equal(t, envelope.CodeMalformedEnvelope, errEnv.ErrorCode())

	// Loop survives the bad frame.
	ping := envelope.NewToService("agent-a", envelope.ServiceRouter, envelope.TypePing, nil)
	sendEnvelope(t, ws, ping)
	pong := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypePong, pong.Header.MessageType)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	env := envelope.New("agent-a", "agent-b", envelope.TypeTaskAssign, nil)
	env.Header.Version = "2.0"
	sendEnvelope(t, ws, env)

	errEnv := readEnvelope(t, ws)
	assert.Equal(t, envelope.TypeError, errEnv.Header.MessageType)
	assert.Equal(t, envelope.CodeUnsupportedVersion, errEnv.ErrorCode())
}

func TestDiscoveryOverWire(t *testing.T) {
	_, ts := newTestServer(t)
	wsA := dialAgent(t, ts, "agent-a")
	wsB := dialAgent(t, ts, "agent-b")

	reg := envelope.NewToService("agent-a", envelope.ServiceDiscovery, envelope.TypeDiscoveryRegister, map[string]any{
		"agent_id":     "agent-a",
		"name":         "Summarizer",
		"capabilities": []any{"chat", "summarize"},
	})
	reg.Header.CorrelationID = reg.Header.MessageID
	sendEnvelope(t, wsA, reg)

	ack := readEnvelope(t, wsA)
	require.Equal(t, envelope.TypeDiscoveryAck, ack.Header.MessageType)
	assert.Equal(t, reg.Header.MessageID, ack.Header.CorrelationID)
	assert.Equal(t, "registered", ack.Payload["status"])

	query := envelope.NewToService("agent-b", envelope.ServiceDiscovery, envelope.TypeDiscoveryQuery, map[string]any{
		"capabilities": []any{"summarize"},
	})
	query.Header.CorrelationID = query.Header.MessageID
	sendEnvelope(t, wsB, query)

	resp := readEnvelope(t, wsB)
	require.Equal(t, envelope.TypeDiscoveryResponse, resp.Header.MessageType)
	assert.Equal(t, query.Header.MessageID, resp.Header.CorrelationID)
	assert.Equal(t, "success", resp.Payload["status"])

	agents, ok := resp.Payload["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	match, ok := agents[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-a", match["agent_id"])
}

func TestDisconnectUnregistersAgent(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	require.Eventually(t, func() bool {
		return s.registry.IsOnline("agent-a")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return !s.registry.IsOnline("agent-a")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	dialAgent(t, ts, "agent-a")

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/health/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialAgent(t, ts, "agent-a")

	ping := envelope.NewToService("agent-a", envelope.ServiceRouter, envelope.TypePing, nil)
	sendEnvelope(t, ws, ping)
	readEnvelope(t, ws)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

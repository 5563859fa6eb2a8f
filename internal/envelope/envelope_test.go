// ABOUTME: Tests for envelope construction, validation, and the line codec.
// ABOUTME: Includes a property test asserting the serialize->parse round-trip law.

package envelope

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewHeader(t *testing.T) {
	h := NewHeader("agent-1", TypePing)

	assert.NotEmpty(t, h.MessageID)
	assert.Equal(t, "agent-1", h.SenderID)
	assert.Equal(t, TypePing, h.MessageType)
	assert.Equal(t, Version, h.Version)
	assert.WithinDuration(t, time.Now().UTC(), h.Timestamp, time.Second)
}

func TestValidate(t *testing.T) {
	valid := func() *Envelope {
		return New("agent-a", "agent-b", TypeTaskAssign, map[string]any{"task": "x"})
	}

	t.Run("valid envelope passes", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("missing message id", func(t *testing.T) {
		e := valid()
		e.Header.MessageID = ""
		assert.ErrorIs(t, e.Validate(), ErrMissingMessageID)
	})

	t.Run("missing sender id", func(t *testing.T) {
		e := valid()
		e.Header.SenderID = ""
		assert.ErrorIs(t, e.Validate(), ErrMissingSenderID)
	})

	t.Run("missing message type", func(t *testing.T) {
		e := valid()
		e.Header.MessageType = ""
		assert.ErrorIs(t, e.Validate(), ErrMissingMessageType)
	})

	t.Run("no target at all", func(t *testing.T) {
		e := valid()
		e.Header.TargetAgentID = ""
		assert.ErrorIs(t, e.Validate(), ErrAmbiguousTarget)
	})

	t.Run("both targets set", func(t *testing.T) {
		e := valid()
		e.Header.TargetService = ServiceDiscovery
		assert.ErrorIs(t, e.Validate(), ErrAmbiguousTarget)
	})

	t.Run("unknown major version rejected", func(t *testing.T) {
		e := valid()
		e.Header.Version = "2.0"
		assert.ErrorIs(t, e.Validate(), ErrVersionMismatch)
	})

	t.Run("minor version drift accepted", func(t *testing.T) {
		e := valid()
		e.Header.Version = "1.7"
		assert.NoError(t, e.Validate())
	})
}

func TestEncodeDecode(t *testing.T) {
	t.Run("round-trips nested unicode payload", func(t *testing.T) {
		e := New("agent-a", "agent-b", TypeTaskAssign, map[string]any{
			"title": "Wirkstoffprüfung — 成分評価",
			"nested": map[string]any{
				"emoji": "💊",
				"list":  []any{"α", "β", "γ"},
			},
		})

		frame, err := e.Encode()
		require.NoError(t, err)
		assert.True(t, bytes.HasSuffix(frame, []byte("\n")), "frame must be newline-terminated")
		assert.Equal(t, 1, bytes.Count(frame, []byte("\n")), "frame must be a single line")

		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, e.Header.MessageID, got.Header.MessageID)
		assert.Equal(t, e.Payload, got.Payload)
	})

	t.Run("decode tolerates stripped newline", func(t *testing.T) {
		e := NewToService("agent-a", ServiceRouter, TypePing, nil)
		frame, err := e.Encode()
		require.NoError(t, err)

		got, err := Decode(bytes.TrimRight(frame, "\n"))
		require.NoError(t, err)
		assert.Equal(t, TypePing, got.Header.MessageType)
	})

	t.Run("empty frame fails", func(t *testing.T) {
		_, err := Decode([]byte("\n"))
		assert.Error(t, err)
	})

	t.Run("malformed json fails", func(t *testing.T) {
		_, err := Decode([]byte(`{"header":`))
		assert.Error(t, err)
	})

	t.Run("nil payload decodes as empty map", func(t *testing.T) {
		got, err := Decode([]byte(`{"header":{"message_id":"m","sender_id":"s","target_service":"ROUTER","message_type":"PING","timestamp":"2026-01-01T00:00:00Z","version":"1.0"}}`))
		require.NoError(t, err)
		assert.NotNil(t, got.Payload)
		assert.Empty(t, got.Payload)
	})
}

// TestRoundTripProperty asserts the round-trip law over generated payloads:
// for all valid envelopes, Decode(Encode(e)) is structurally identical to e.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z_]{1,12}`)
		value := rapid.OneOf(
			rapid.StringMatching(`[\p{L}\p{N} ]{0,20}`).AsAny(),
			rapid.Float64Range(-1e9, 1e9).AsAny(),
			rapid.Bool().AsAny(),
		)
		payload := rapid.MapOfN(key, value, 0, 8).Draw(t, "payload")

		e := New("agent-a", "agent-b", TypeTaskAssign, payload)
		e.Header.CorrelationID = rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "corr")

		frame, err := e.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if got.Header != e.Header {
			t.Fatalf("header mismatch: %+v != %+v", got.Header, e.Header)
		}
		for k, v := range payload {
			if got.Payload[k] != v {
				t.Fatalf("payload[%q] mismatch: %v != %v", k, got.Payload[k], v)
			}
		}
	})
}

func TestReply(t *testing.T) {
	req := New("agent-a", "agent-b", TypeTaskAssign, map[string]any{"task": "echo"})
	req.Header.CorrelationID = "corr-1"

	resp := req.Reply("agent-b", TypeTaskComplete, map[string]any{"result": "ok"})

	assert.Equal(t, "agent-a", resp.Header.TargetAgentID)
	assert.Equal(t, "agent-b", resp.Header.SenderID)
	assert.Equal(t, "corr-1", resp.Header.CorrelationID)
	assert.NotEqual(t, req.Header.MessageID, resp.Header.MessageID)
}

func TestErrorHelpers(t *testing.T) {
	e := NewError("ROUTER", "agent-a", "corr-9", CodeUnknownTarget, "no such agent")

	assert.Equal(t, TypeError, e.Header.MessageType)
	assert.Equal(t, "corr-9", e.Header.CorrelationID)
	assert.Equal(t, CodeUnknownTarget, e.ErrorCode())
	assert.Equal(t, "no such agent", e.ErrorMessage())
}

func TestIsResponseType(t *testing.T) {
	assert.True(t, IsResponseType(TypeTaskComplete))
	assert.True(t, IsResponseType(TypeDiscoveryResponse))
	assert.False(t, IsResponseType(TypeTaskAssign))
	assert.False(t, IsResponseType(TypePing))
}

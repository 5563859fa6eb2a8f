// ABOUTME: Wire data model for the fabric: MessageEnvelope, header validation, line codec.
// ABOUTME: Every frame on a connection is exactly one newline-terminated JSON envelope.

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every outgoing envelope.
// Receivers reject envelopes whose major version differs.
const Version = "1.0"

// Well-known service targets. Envelopes addressed to a service are consumed
// by the router itself rather than forwarded to another agent.
const (
	ServiceDiscovery = "DISCOVERY"
	ServiceRouter    = "ROUTER"
)

// Message types understood by the fabric core. The vocabulary is open:
// the router forwards any type it does not consume itself.
const (
	TypeDiscoveryRegister = "DISCOVERY_REGISTER"
	TypeDiscoveryAck      = "DISCOVERY_ACK"
	TypeDiscoveryQuery    = "DISCOVERY_QUERY"
	TypeDiscoveryResponse = "DISCOVERY_RESPONSE"
	TypePing              = "PING"
	TypePong              = "PONG"
	TypeTaskAssign        = "TASK_ASSIGN"
	TypeTaskComplete      = "TASK_COMPLETE"
	TypeTaskFail          = "TASK_FAIL"
	TypeError             = "ERROR"
)

// Stable error codes carried in ERROR payloads.
const (
	CodeMalformedEnvelope   = "MALFORMED_ENVELOPE"
	CodeUnsupportedVersion  = "UNSUPPORTED_VERSION"
	CodeIdentityMismatch    = "IDENTITY_MISMATCH"
	CodeUnknownTarget       = "UNKNOWN_TARGET"
	CodeInvalidRegistration = "INVALID_REGISTRATION"
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Validation errors.
var (
	ErrMissingMessageID   = errors.New("envelope: missing message_id")
	ErrMissingSenderID    = errors.New("envelope: missing sender_id")
	ErrMissingMessageType = errors.New("envelope: missing message_type")
	ErrAmbiguousTarget    = errors.New("envelope: exactly one of target_agent_id or target_service is required")
	ErrVersionMismatch    = errors.New("envelope: unsupported protocol major version")
)

// Header carries routing and correlation metadata. All fields are immutable
// once the envelope has been sent.
type Header struct {
	MessageID     string    `json:"message_id"`
	SenderID      string    `json:"sender_id"`
	TargetAgentID string    `json:"target_agent_id,omitempty"`
	TargetService string    `json:"target_service,omitempty"`
	MessageType   string    `json:"message_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
}

// Envelope is the only unit ever placed on the wire. The payload shape is
// defined entirely by the message type and is opaque to the fabric.
type Envelope struct {
	Header  Header         `json:"header"`
	Payload map[string]any `json:"payload"`
}

// NewHeader builds a header with a fresh message id, the current time, and
// the supported protocol version. Targeting is left to the caller.
func NewHeader(senderID, messageType string) Header {
	return Header{
		MessageID:   uuid.New().String(),
		SenderID:    senderID,
		MessageType: messageType,
		Timestamp:   time.Now().UTC(),
		Version:     Version,
	}
}

// New builds an envelope addressed to a specific agent.
func New(senderID, targetAgentID, messageType string, payload map[string]any) *Envelope {
	h := NewHeader(senderID, messageType)
	h.TargetAgentID = targetAgentID
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{Header: h, Payload: payload}
}

// NewToService builds an envelope addressed to a well-known service.
func NewToService(senderID, service, messageType string, payload map[string]any) *Envelope {
	h := NewHeader(senderID, messageType)
	h.TargetService = service
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{Header: h, Payload: payload}
}

// NewError builds an ERROR envelope addressed back to an agent. The
// correlation id of the offending request, when known, is propagated so the
// sender can resolve any pending entry.
func NewError(senderID, targetAgentID, correlationID, code, message string) *Envelope {
	e := New(senderID, targetAgentID, TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
	e.Header.CorrelationID = correlationID
	return e
}

// Reply builds a response envelope addressed back to the original sender,
// propagating the request's correlation id unchanged.
func (e *Envelope) Reply(senderID, messageType string, payload map[string]any) *Envelope {
	r := New(senderID, e.Header.SenderID, messageType, payload)
	r.Header.CorrelationID = e.Header.CorrelationID
	return r
}

// Validate performs structural validation of the header. An envelope that
// fails validation must be dropped, never forwarded.
func (e *Envelope) Validate() error {
	h := e.Header
	if h.MessageID == "" {
		return ErrMissingMessageID
	}
	if h.SenderID == "" {
		return ErrMissingSenderID
	}
	if h.MessageType == "" {
		return ErrMissingMessageType
	}
	if (h.TargetAgentID == "") == (h.TargetService == "") {
		return ErrAmbiguousTarget
	}
	if major(h.Version) != major(Version) {
		return fmt.Errorf("%w: got %q, want major %q", ErrVersionMismatch, h.Version, major(Version))
	}
	return nil
}

// major extracts the major component of a version string ("1.0" -> "1").
func major(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Encode serializes the envelope as a single newline-terminated JSON frame.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	// json.Encoder already appends the trailing newline.
	return buf.Bytes(), nil
}

// Decode parses one frame into an envelope. The frame may or may not carry
// its trailing newline.
func Decode(frame []byte) (*Envelope, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	if len(bytes.TrimSpace(frame)) == 0 {
		return nil, errors.New("envelope: empty frame")
	}
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return &e, nil
}

// ErrorCode extracts the code from an ERROR payload, or "" if absent.
func (e *Envelope) ErrorCode() string {
	code, _ := e.Payload["code"].(string)
	return code
}

// ErrorMessage extracts the human-readable message from an ERROR payload.
func (e *Envelope) ErrorMessage() string {
	msg, _ := e.Payload["message"].(string)
	return msg
}

// IsResponseType reports whether the message type is one the fabric treats
// as a correlated response rather than a fresh push.
func IsResponseType(messageType string) bool {
	switch messageType {
	case TypeDiscoveryAck, TypeDiscoveryResponse, TypePong, TypeTaskComplete, TypeTaskFail, TypeError:
		return true
	}
	return false
}

// Package envelope defines the wire data model shared by every fabric
// participant.
//
// # Envelope
//
// An Envelope is the only unit ever placed on the wire:
//
//	type Envelope struct {
//	    Header  Header
//	    Payload map[string]any
//	}
//
// The header carries routing and correlation metadata; the payload is an
// open, schema-less mapping whose shape is defined entirely by the message
// type. The fabric never inspects or mutates payloads.
//
// # Addressing
//
// Exactly one of Header.TargetAgentID (direct unicast) or
// Header.TargetService (a well-known service, DISCOVERY or ROUTER) must be
// set. Validate enforces this XOR along with the other structural rules.
//
// # Framing
//
// Encode produces one newline-terminated UTF-8 JSON frame per envelope;
// Decode parses one frame. The codec round-trips losslessly, including
// nested structures and Unicode payload values.
//
// # Correlation
//
// Reply builds a response envelope addressed back to the original sender
// with the request's correlation id propagated unchanged. Correlation-id
// uniqueness is the caller's responsibility; the fabric never deduplicates.
package envelope

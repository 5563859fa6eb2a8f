// Package router implements the hub side of the fabric: a websocket server
// that holds exactly one connection per agent id and relays envelopes
// between them.
//
// An agent connects to /ws/{agent_id}; the path segment is its identity for
// the life of the connection. Inbound envelopes are validated, checked
// against the connection identity, and then either consumed (DISCOVERY and
// ROUTER service targets) or forwarded verbatim to the target agent's
// connection. Delivery is best effort: if the target is not connected the
// sender receives an UNKNOWN_TARGET error and the envelope is dropped.
//
// The registry rejects a second connection for an id that is already
// connected; the original connection is never evicted by a newcomer.
package router

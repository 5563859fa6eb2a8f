// Package discovery implements the fabric's capability registry.
//
// # Overview
//
// Agents declare who they are and what they can do with DISCOVERY_REGISTER;
// anyone on the fabric can then ask "who can do X" (by capability set) or
// "is agent Y reachable" (by id) with DISCOVERY_QUERY.
//
// # Registrations
//
// A Registration is upserted on every register request with a fresh
// last-seen timestamp. Capability strings are normalized (trimmed and
// lowercased) before storage, so registering {"a", "A "} is
// indistinguishable from registering {"a"}.
//
// Records are never expired by a timer. Liveness is derived from the
// connection registry at query time: a registration whose agent has
// disconnected persists in storage but is invisible to queries.
//
// # Queries
//
// Queries come in two mutually exclusive modes:
//
//   - by id: returns the single registration if present, connected, and
//     matching the status filter (default "active"; "any" bypasses it)
//   - by capability set: returns every registration whose capability set is
//     a superset of the requested set,filtered by connectedness and status
//
// Results carry no ranking; first-match-wins policies belong to callers.
// Every response's status field ("success" vs "not_found") agrees with
// result emptiness, and the service verifies this before sending.
//
// # Error handling
//
// Malformed requests produce correlated ERROR envelopes with stable codes;
// internal failures are caught and converted to INTERNAL_ERROR responses
// rather than crashing the router.
package discovery

// Package client implements the agent side of the fabric: a connection
// manager that dials the router with exponential backoff, keeps the
// connection alive with periodic pings, and dispatches inbound envelopes.
//
// Connection lifecycle: disconnected, connecting, connected, disconnected.
// Connect retries up to the configured attempt budget and fails loudly when
// it is exhausted. Once connected, a receive loop and a heartbeat loop run
// until the transport dies or Disconnect is called; the manager never
// reconnects on its own, so reconnection cannot race in-flight sends.
//
// Correlated requests go through Request: the caller's envelope is tagged
// with a correlation id and a pending entry is held until the matching
// response arrives or the request timeout elapses. Responses with no pending
// entry and no registered handler are logged and discarded.
package client

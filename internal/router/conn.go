// ABOUTME: Represents a single connected agent and wraps its websocket for safe writes.
// ABOUTME: Frames are newline-terminated JSON envelopes; writes are serialized by a mutex.

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/medrex/fabric/internal/envelope"
)

// Conn represents a connected agent with its websocket transport.
type Conn struct {
	// ID is the agent identifier derived from the connection path.
	ID string

	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes writes; websockets do not support concurrent writers.
	writeMu sync.Mutex

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
}

// NewConn wraps an accepted websocket for the given agent identity.
func NewConn(id string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	now := time.Now()
	return &Conn{
		ID:           id,
		ws:           ws,
		logger:       logger,
		connectedAt:  now,
		lastActivity: now,
	}
}

// Send encodes the envelope and transmits it as one text frame.
func (c *Conn) Send(ctx context.Context, env *envelope.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, frame)
}

// SendRaw transmits an already-encoded frame unchanged. Forwarded envelopes
// go through here so the router never rewrites what the sender produced.
func (c *Conn) SendRaw(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Read blocks for the next inbound frame and stamps the activity time.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	c.touch()
	return data, nil
}

// Close closes the websocket with the given status.
func (c *Conn) Close(status websocket.StatusCode, reason string) error {
	return c.ws.Close(status, reason)
}

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastActivity returns when the last frame arrived on this connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

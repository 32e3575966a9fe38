// Package connection wraps a single TCP or TLS byte stream to one node
// with framing, deadlines, and idle-tracking metadata.
package connection

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shardkv/goclient/internal/wire"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

// Returner is implemented by whatever owns a Connection's pool slot, so
// Connection.Return can hand itself back without importing the pool
// package (which imports Connection).
type Returner interface {
	Return(*Connection)
}

// SlotReleaser is optionally implemented by a Returner whose pool tracks
// an outstanding-connection count. Close notifies it exactly once so an
// error-path Close frees the capacity slot the checkout reserved.
type SlotReleaser interface {
	ReleaseSlot(*Connection)
}

// Connection owns one stream endpoint to one node. Lifetime: created on
// demand or proactively up to minConnsPerNode; lives in its pool while
// idle; destroyed on close, pool overflow, explicit error, or idle-trim.
type Connection struct {
	mu        sync.Mutex
	conn      net.Conn
	state     State
	createdAt time.Time
	lastUsed  time.Time
	nodeName  string
	owner     Returner

	// recvBuf is the connection's own receive scratch space, reused
	// across requests to avoid a per-command allocation on the sync path.
	recvBuf []byte
}

// New wraps a raw stream for pool management. owner may be nil for
// connections not yet tracked by a pool (e.g. during dial/auth).
func New(conn net.Conn, nodeName string, owner Returner) *Connection {
	now := time.Now()
	return &Connection{
		conn:      conn,
		state:     StateIdle,
		createdAt: now,
		lastUsed:  now,
		nodeName:  nodeName,
		owner:     owner,
	}
}

// Raw returns the underlying net.Conn.
func (c *Connection) Raw() net.Conn { return c.conn }

// NodeName returns the name of the node this connection belongs to.
func (c *Connection) NodeName() string { return c.nodeName }

// SetOwner attaches (or reattaches) the owning pool for Return().
func (c *Connection) SetOwner(owner Returner) {
	c.mu.Lock()
	c.owner = owner
	c.mu.Unlock()
}

// MarkActive marks the connection as checked out.
func (c *Connection) MarkActive() {
	c.mu.Lock()
	c.state = StateActive
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// MarkIdle marks the connection as returned to its pool.
func (c *Connection) MarkIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastUsed returns when the connection was last marked active or idle.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// CreatedAt returns connection establishment time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// IsCurrent reports whether the connection was used more recently than
// idleTimeout ago — a stacked connection that fails this check is not
// "current" and must be re-validated or discarded.
func (c *Connection) IsCurrent(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return true
	}
	return time.Since(c.LastUsed()) <= idleTimeout
}

// IsExpired reports whether the connection has exceeded its max lifetime.
func (c *Connection) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// Close closes the underlying stream and marks the connection closed.
// Idempotent. If the owning pool tracks outstanding slots, the slot is
// released here so an error-path Close conserves pool capacity.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	owner := c.owner
	c.owner = nil
	err := c.conn.Close()
	c.mu.Unlock()
	if r, ok := owner.(SlotReleaser); ok {
		r.ReleaseSlot(c)
	}
	return err
}

// Return hands the connection back to its owning pool, or closes it if
// it has none (e.g. a connection dialed outside of pool bookkeeping).
func (c *Connection) Return() {
	c.mu.Lock()
	owner := c.owner
	c.mu.Unlock()
	if owner != nil {
		owner.Return(c)
		return
	}
	c.Close()
}

// UpgradeTLS replaces the plain stream with a TLS-wrapped one and
// performs the handshake. Certificate policy is out of scope :
// the caller supplies a ready *tls.Config.
func (c *Connection) UpgradeTLS(cfg *tls.Config, handshakeTimeout time.Duration) error {
	tlsConn := tls.Client(c.conn, cfg)
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.SetDeadline(time.Time{})
		return err
	}
	tlsConn.SetDeadline(time.Time{})
	c.mu.Lock()
	c.conn = tlsConn
	c.mu.Unlock()
	return nil
}

// WriteFrame writes a fully framed message with the given socket timeout.
func (c *Connection) WriteFrame(version, typ uint8, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := c.conn.Write(wire.Frame(version, typ, payload))
	return err
}

// ReadHeader reads and decodes the 8-byte frame header with the given
// socket timeout.
func (c *Connection) ReadHeader(timeout time.Duration) (wire.Header, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := c.scratch(wire.HeaderSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return wire.Header{}, err
	}
	return wire.DecodeHeader(buf)
}

// ReadBody reads exactly n bytes of frame body with the given socket
// timeout. The shared segmented buffer pool lives at the command layer;
// this connection only keeps its own small scratch buffer for
// header-only reads.
func (c *Connection) ReadBody(n int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadBodyInto fills buf from the stream with the given socket timeout,
// for callers that manage their own receive buffer (the async pipeline's
// shared segment pool).
func (c *Connection) ReadBodyInto(buf []byte, timeout time.Duration) error {
	if len(buf) == 0 {
		return nil
	}
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, err := io.ReadFull(c.conn, buf)
	return err
}

// DrainN discards up to n bytes from the stream, returning how many were
// consumed, so a recovery drain can track progress across short-deadline
// attempts.
func (c *Connection) DrainN(n int, timeout time.Duration) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	copied, err := io.CopyN(io.Discard, c.conn, int64(n))
	return int(copied), err
}

// scratch returns a reusable buffer of at least n bytes.
func (c *Connection) scratch(n int) []byte {
	if cap(c.recvBuf) < n {
		c.recvBuf = make([]byte, n)
	}
	return c.recvBuf[:n]
}

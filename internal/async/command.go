package async

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/command"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/recovery"
	"github.com/shardkv/goclient/internal/wire"
)

// Listener receives an async command's terminal outcome exactly once.
// OnRecord is a no-op hook for "sequence"-style listeners that also want
// per-record callbacks.
type Listener interface {
	OnSuccess(result any)
	OnFailure(err error, state State)
	OnRecord(rec any) // optional; embed DefaultListener to no-op this
}

// DefaultListener no-ops OnRecord so callers implementing only
// OnSuccess/OnFailure can embed this.
type DefaultListener struct{}

func (DefaultListener) OnRecord(any) {}

// Command is one in-flight async operation: a cooperative state machine
// that runs its blocking I/O on a dedicated goroutine, since Go has no
// portable async-IO callback API.
type Command struct {
	state    *StateBox
	cluster  *cluster.Cluster
	listener Listener
	seg      *Segment
	pool     *BufferPool

	totalDeadline  time.Time
	socketTimeout  time.Duration
	encode         command.Encoder
	decode         command.Decoder
	namespace      string
	key            cluster.Key
	sel            *cluster.Selector
	version, ftype uint8
	isWrite        bool
	multiRecord    bool
	maxRetries     int
	iteration      int
	recoveryQ      *recovery.Drainer
	recoveryDelay  time.Duration
}

// NewCommand constructs an async Command ready for Submit.
func NewCommand(cl *cluster.Cluster, pool *BufferPool, namespace string, key cluster.Key, sel *cluster.Selector, listener Listener, encode command.Encoder, decode command.Decoder, totalTimeout, socketTimeout time.Duration, maxRetries int, isWrite bool, version, ftype uint8) *Command {
	return &Command{
		state:         NewStateBox(),
		cluster:       cl,
		listener:      listener,
		pool:          pool,
		totalDeadline: time.Now().Add(totalTimeout),
		socketTimeout: socketTimeout,
		encode:        encode,
		decode:        decode,
		namespace:     namespace,
		key:           key,
		sel:           sel,
		version:       version,
		ftype:         ftype,
		isWrite:       isWrite,
		maxRetries:    maxRetries,
	}
}

// WithRecovery attaches the connection-recovery drainer so a socket-
// timeout read hands its connection off for draining instead of closing
// it outright. multiRecord marks a scan/batch/query-shaped
// response.
func (c *Command) WithRecovery(q *recovery.Drainer, delay time.Duration, multiRecord bool) *Command {
	c.recoveryQ = q
	c.recoveryDelay = delay
	c.multiRecord = multiRecord
	return c
}

// Submit registers the command with the timeout queue for its total
// deadline and launches its I/O goroutine.
func (c *Command) Submit(q *TimeoutQueue) {
	q.Register(c)
	go c.runAttempt()
}

// CheckTimeout implements Expirable: once the total deadline passes, it
// CAS-fails the command exactly once.
func (c *Command) CheckTimeout(now time.Time) bool {
	if c.state.Terminal() {
		return false
	}
	if now.Before(c.totalDeadline) {
		return true
	}
	if c.state.TryTransition(StateFailTotalTimeout) {
		c.finishFail(fmt.Errorf("async: total timeout exceeded"), StateFailTotalTimeout)
	}
	return false
}

// runAttempt performs one connect/send/receive pass, retrying per the
// same class of errors as the synchronous pipeline until success, a
// terminal failure, or the timeout queue wins the CAS first.
func (c *Command) runAttempt() {
	// The segment is touched only by this goroutine; releasing it here
	// (rather than in finishFail, which the timeout thread may invoke)
	// keeps the slot out of reuse while a read may still be filling it.
	defer c.releaseSegment()
	for {
		if c.state.Terminal() {
			return // timeout queue already decided the outcome
		}
		if c.iteration > c.maxRetries {
			if c.state.TryTransition(StateFailNetwork) {
				c.finishFail(fmt.Errorf("async: exceeded max retries"), StateFailNetwork)
			}
			return
		}

		parts, ok := c.cluster.Topology().Load()[c.namespace]
		if !ok {
			if c.state.TryTransition(StateFailApplication) {
				c.finishFail(fmt.Errorf("async: unknown namespace %q", c.namespace), StateFailApplication)
			}
			return
		}
		n, err := c.cluster.Select(parts, c.key, c.sel)
		if err != nil {
			if !c.retryTransition() {
				return
			}
			continue
		}

		result, retry, err := c.attemptOnce(n)
		if c.state.Terminal() {
			return
		}
		if err == nil {
			if c.state.TryTransition(StateSuccess) {
				c.listener.OnSuccess(result)
			}
			return
		}
		if !retry {
			if c.state.TryTransition(StateFailApplication) {
				c.finishFail(err, StateFailApplication)
			}
			return
		}
		if !c.retryTransition() {
			return
		}
		c.sel.AdvanceRetry(isTimeoutErr(err))
	}
}

// retryTransition passes the state machine through RETRY and back to
// IN_PROGRESS for the next attempt; it reports false when the timeout
// thread won the race and already decided the outcome.
func (c *Command) retryTransition() bool {
	if !c.state.TryRetry() {
		return false
	}
	c.state.Reset()
	c.iteration++
	return true
}

// attemptOnce checks out a connection, authenticates if the node
// requires it, writes the request, reads and resizes the buffer for the
// response, and decodes it.
func (c *Command) attemptOnce(n *node.Node) (result any, retryable bool, err error) {
	conn, err := n.GetConnection(context.Background())
	if err != nil {
		return nil, true, fmt.Errorf("checkout: %w", err)
	}

	payload := c.encode()
	if werr := conn.WriteFrame(c.version, c.ftype, payload, c.socketTimeout); werr != nil {
		n.IncErrors()
		conn.Close()
		return nil, true, fmt.Errorf("write: %w", werr)
	}
	n.IncCommands()

	hdr, err := conn.ReadHeader(c.socketTimeout)
	if err != nil {
		n.IncTimeouts()
		c.recoverOrClose(conn, recovery.StateReadHeader, wire.HeaderSize, false, err)
		return nil, true, fmt.Errorf("read header: %w", err)
	}

	var body []byte
	if c.pool != nil {
		if c.seg == nil || !c.pool.CheckGeneration(c.seg) {
			c.pool.Release(c.seg) // stale-generation release is a no-op
			c.seg = c.pool.Acquire(int(hdr.Length))
		}
		body = c.seg.Bytes(int(hdr.Length))
		err = conn.ReadBodyInto(body, c.socketTimeout)
	} else {
		body, err = conn.ReadBody(int(hdr.Length), c.socketTimeout)
	}
	if err != nil {
		n.IncTimeouts()
		c.recoverOrClose(conn, recovery.StateReadDetail, int(hdr.Length), hdr.Type == wire.TypeCompressed, err)
		return nil, true, fmt.Errorf("read body: %w", err)
	}

	if hdr.Type == wire.TypeCompressed {
		decompressed, derr := wire.Inflate(body)
		if derr != nil {
			conn.Close()
			return nil, false, fmt.Errorf("decompress: %w", derr)
		}
		body = decompressed
	}

	out, derr := c.decode(hdr, body)
	if derr != nil {
		conn.Close()
		return nil, false, fmt.Errorf("decode: %w", derr)
	}
	conn.Return()
	return out, false, nil
}

// recoverOrClose mirrors the synchronous pipeline's recovery hand-off: a
// connection whose read timed out is handed to the drain queue instead
// of torn down, so it can rejoin its pool once the stalled response is
// consumed.
func (c *Command) recoverOrClose(conn *connection.Connection, state recovery.ReadState, targetLength int, compressed bool, cause error) {
	if c.recoveryQ == nil || !isTimeoutErr(cause) {
		conn.Close()
		return
	}
	delay := c.recoveryDelay
	if delay <= 0 {
		delay = 25 * time.Millisecond
	}
	r := recovery.New(conn, state, 0, targetLength, c.multiRecord, compressed, delay)
	c.recoveryQ.Add(r)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Command) releaseSegment() {
	if c.pool != nil && c.seg != nil {
		c.pool.Release(c.seg)
		c.seg = nil
	}
}

func (c *Command) finishFail(err error, st State) {
	c.listener.OnFailure(err, st)
}

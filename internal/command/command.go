// Package command implements the synchronous execute pipeline: node
// selection, checkout, framed write/read, retry policy, and in-doubt
// marking for writes that may have reached the server.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/metrics"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/partition"
	"github.com/shardkv/goclient/internal/recovery"
	"github.com/shardkv/goclient/internal/wire"
)

// ResultCode mirrors the server's small integer outcome codes relevant to
// retry decisions.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultTimeout
	ResultDeviceOverload
	ResultOther
)

// Policy bounds one command's retry behavior.
type Policy struct {
	MaxRetries    int
	TotalTimeout  time.Duration
	SocketTimeout time.Duration
	IsWrite       bool

	// MultiRecord marks this command as a scan/batch/query-shaped response
	// (record groups terminated by INFO3_LAST), which changes how a timed-
	// out read is recovered.
	MultiRecord bool

	// Recovery, if set, hands a connection whose read timed out mid-
	// response to the drain queue instead of closing it outright, so the
	// socket can be returned to its pool once the stalled bytes are
	// consumed. Nil means recovery is
	// disabled and a timed-out connection is simply closed.
	Recovery *recovery.Drainer
	// RecoveryDelay bounds how long the drainer keeps trying before
	// abandoning the connection outright.
	RecoveryDelay time.Duration

	// Metrics, if set, records retries, timeouts, in-doubt failures, and
	// completion latency.
	Metrics *metrics.Collector
}

// Error wraps a failed command with whether a write may have reached the
// server.
type Error struct {
	Err      error
	InDoubt  bool
	Attempts int
}

func (e *Error) Error() string {
	if e.InDoubt {
		return fmt.Sprintf("command: failed after %d attempt(s) (in-doubt): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("command: failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Encoder builds a request payload; Decoder parses a response body into
// the caller's result type. Kept generic so this package never needs to
// know the application's wire-record layout.
type Encoder func() []byte
type Decoder func(hdr wire.Header, body []byte) (any, error)

// isRetryable classifies an error as retryable: connection establishment
// errors, socket read/write errors, and the TIMEOUT / DEVICE_OVERLOAD
// server codes.
func isRetryable(err error, code ResultCode) bool {
	if err == nil {
		return code == ResultTimeout || code == ResultDeviceOverload
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// Execute runs one synchronous command against cl, selecting a node per
// the selector's replica policy and retrying within the iteration
// budget, total deadline, and in-doubt rules below.
func Execute(ctx context.Context, cl *cluster.Cluster, namespace string, key cluster.Key, sel *cluster.Selector, policy Policy, encode Encoder, decode Decoder, version, frameType uint8) (any, error) {
	started := time.Now()
	deadline := started.Add(policy.TotalTimeout)
	if policy.TotalTimeout <= 0 {
		deadline = time.Time{}
	}

	var lastErr error
	inDoubt := false

	for iteration := 0; ; iteration++ {
		if iteration > policy.MaxRetries {
			return nil, &Error{Err: fmt.Errorf("exceeded max retries (%d): %w", policy.MaxRetries, lastErr), InDoubt: inDoubt, Attempts: iteration}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, &Error{Err: fmt.Errorf("total timeout exceeded: %w", lastErr), InDoubt: inDoubt, Attempts: iteration}
		}

		parts, ok := topologyFor(cl, namespace)
		if !ok {
			lastErr = fmt.Errorf("command: unknown namespace %q", namespace)
			return nil, &Error{Err: lastErr, InDoubt: inDoubt, Attempts: iteration + 1}
		}

		n, err := cl.Select(parts, key, sel)
		if err != nil {
			lastErr = err
			continue
		}

		result, sentBytes, err, code := attempt(ctx, n, policy, encode, decode, version, frameType)
		if err == nil {
			if policy.Metrics != nil {
				policy.Metrics.CommandCompleted(namespace, time.Since(started))
			}
			return result, nil
		}

		lastErr = err
		if sentBytes && policy.IsWrite && !inDoubt {
			inDoubt = true
			if policy.Metrics != nil {
				policy.Metrics.CommandInDoubt()
			}
		}
		if policy.Metrics != nil && code == ResultTimeout {
			policy.Metrics.CommandTimedOut(namespace)
		}
		if !isRetryable(err, code) {
			return nil, &Error{Err: err, InDoubt: inDoubt, Attempts: iteration + 1}
		}
		if policy.Metrics != nil {
			policy.Metrics.CommandRetried(namespace)
		}

		sel.AdvanceRetry(isTimeoutErr(err))
	}
}

// IsTimeout reports whether err is a socket/deadline timeout, for
// callers (the batch driver) that advance their own selectors between
// attempts.
func IsTimeout(err error) bool { return isTimeoutErr(err) }

// ExecuteNode performs a single attempt against a fixed node, for
// callers that own their own retry loop — the batch planner re-plans a
// failed sub-command across the current topology instead of retrying the
// same node in place. The returned error carries the in-doubt flag under
// the same rule as Execute.
func ExecuteNode(ctx context.Context, n *node.Node, policy Policy, encode Encoder, decode Decoder, version, frameType uint8) (any, error) {
	result, sentBytes, err, _ := attempt(ctx, n, policy, encode, decode, version, frameType)
	if err != nil {
		return nil, &Error{Err: err, InDoubt: sentBytes && policy.IsWrite, Attempts: 1}
	}
	return result, nil
}

// Retryable reports whether err belongs to the class Execute would retry:
// connection establishment, socket read/write, and timeout failures.
func Retryable(err error) bool {
	return isRetryable(err, classify(err))
}

func topologyFor(cl *cluster.Cluster, namespace string) (*partition.Partitions, bool) {
	p, ok := cl.Topology().Load()[namespace]
	return p, ok
}

// attempt performs one checkout/write/read/parse cycle. sentBytes reports
// whether at least one byte of the request frame was written, which
// governs the in-doubt rule for writes.
func attempt(ctx context.Context, n *node.Node, policy Policy, encode Encoder, decode Decoder, version, frameType uint8) (result any, sentBytes bool, err error, code ResultCode) {
	conn, err := n.GetConnection(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout: %w", err), ResultOther
	}

	payload := encode()
	raw := conn.Raw()
	if policy.SocketTimeout > 0 {
		raw.SetWriteDeadline(time.Now().Add(policy.SocketTimeout))
	}
	written, werr := raw.Write(wire.Frame(version, frameType, payload))
	sentBytes = written > 0
	if werr != nil {
		n.IncErrors()
		conn.Close()
		return nil, sentBytes, fmt.Errorf("write: %w", werr), ResultOther
	}
	n.IncCommands()
	n.AddBytesOut(len(payload) + wire.HeaderSize)

	hdr, err := conn.ReadHeader(policy.SocketTimeout)
	if err != nil {
		n.IncTimeouts()
		recoverOrClose(conn, policy, recovery.StateReadHeader, wire.HeaderSize, false, err)
		return nil, sentBytes, fmt.Errorf("read header: %w", err), classify(err)
	}

	body, err := conn.ReadBody(int(hdr.Length), policy.SocketTimeout)
	if err != nil {
		n.IncTimeouts()
		recoverOrClose(conn, policy, recovery.StateReadDetail, int(hdr.Length), hdr.Type == wire.TypeCompressed, err)
		return nil, sentBytes, fmt.Errorf("read body: %w", err), classify(err)
	}
	n.AddBytesIn(len(body) + wire.HeaderSize)

	if hdr.Type == wire.TypeCompressed {
		decompressed, derr := wire.Inflate(body)
		if derr != nil {
			conn.Close()
			return nil, sentBytes, fmt.Errorf("decompress: %w", derr), ResultOther
		}
		body = decompressed
	}

	out, err := decode(hdr, body)
	if err != nil {
		conn.Close()
		return nil, sentBytes, fmt.Errorf("decode: %w", err), ResultOther
	}
	conn.Return()
	return out, sentBytes, nil, ResultOK
}

// recoverOrClose hands a connection whose read just timed out to the
// recovery drainer so it can be drained and returned to its
// pool instead of being torn down and redialed. Without a configured
// drainer, or for a non-timeout failure, the connection is simply closed:
// its framing state is unknown and it cannot be safely reused.
func recoverOrClose(conn *connection.Connection, policy Policy, state recovery.ReadState, targetLength int, compressed bool, cause error) {
	if policy.Recovery == nil || !isTimeoutErr(cause) {
		conn.Close()
		return
	}
	delay := policy.RecoveryDelay
	if delay <= 0 {
		delay = 25 * time.Millisecond
	}
	r := recovery.New(conn, state, 0, targetLength, policy.MultiRecord, compressed, delay)
	policy.Recovery.Add(r)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classify(err error) ResultCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ResultTimeout
	}
	return ResultOther
}

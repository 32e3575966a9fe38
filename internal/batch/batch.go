// Package batch plans a multi-key request into per-node sub-commands and
// re-plans them across a topology change on retry.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/command"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/wire"
)

// RowResult holds one key's outcome. A non-zero ResultCode does not fail
// the whole batch; it sets the parent's row-error flag instead.
type RowResult struct {
	Offset     int
	ResultCode int
	Err        error
	FailureMsg string // parsed from a UDF_BAD_RESPONSE record's FAILURE bin
}

// SubCommand is one node's share of a batch: the offsets into the
// caller's key array it owns.
type SubCommand struct {
	Node    *node.Node
	Offsets []int
}

// Plan groups keys by target node under the current topology.
func Plan(cl *cluster.Cluster, namespace string, keys []cluster.Key, sel *cluster.Selector) ([]*SubCommand, error) {
	parts, ok := cl.Topology().Load()[namespace]
	if !ok {
		return nil, fmt.Errorf("batch: unknown namespace %q", namespace)
	}

	byNode := make(map[*node.Node]*SubCommand)
	var order []*node.Node
	for i, k := range keys {
		n, err := cl.Select(parts, k, sel)
		if err != nil {
			return nil, err
		}
		sc, ok := byNode[n]
		if !ok {
			sc = &SubCommand{Node: n}
			byNode[n] = sc
			order = append(order, n)
		}
		sc.Offsets = append(sc.Offsets, i)
	}

	out := make([]*SubCommand, len(order))
	for i, n := range order {
		out[i] = byNode[n]
	}
	return out, nil
}

// Executor tracks a batch's parent state: max (child count), count
// (completed), exception (first failure), and the row-error flag.
type Executor struct {
	max       atomic.Int32
	count     atomic.Int32
	rowError  atomic.Bool
	mu        sync.Mutex
	exception error
	done      chan struct{}
	once      sync.Once
}

// NewExecutor creates an Executor for a batch with childCount initial
// sub-commands.
func NewExecutor(childCount int) *Executor {
	e := &Executor{done: make(chan struct{})}
	e.max.Store(int32(childCount))
	return e
}

// AddChildren increases max when a retry re-plans into more sub-commands.
func (e *Executor) AddChildren(n int) {
	e.max.Add(int32(n))
}

// ChildDone records one sub-command's completion. err, if non-nil, is the
// first exception recorded (later ones are dropped); rowError marks that
// at least one row failed without failing the batch.
func (e *Executor) ChildDone(err error, rowError bool) {
	if err != nil {
		e.mu.Lock()
		if e.exception == nil {
			e.exception = err
		}
		e.mu.Unlock()
	}
	if rowError {
		e.rowError.Store(true)
	}
	if e.count.Add(1) >= e.max.Load() {
		e.once.Do(func() { close(e.done) })
	}
}

// Wait blocks until every child has completed; the returned error is nil
// iff every child reported success.
func (e *Executor) Wait(ctx context.Context) error {
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exception
}

// RowError reports whether any row-specific error occurred.
func (e *Executor) RowError() bool { return e.rowError.Load() }

// Replan re-plans a sub-command's offsets against the current topology.
// If every offset still maps
// to the original node, the sub-command retries in place (same is
// true); otherwise it returns the new sub-commands grouped by node.
func Replan(cl *cluster.Cluster, namespace string, original *SubCommand, keys []cluster.Key, sel *cluster.Selector) (same bool, children []*SubCommand, err error) {
	parts, ok := cl.Topology().Load()[namespace]
	if !ok {
		return false, nil, fmt.Errorf("batch: unknown namespace %q", namespace)
	}

	byNode := make(map[*node.Node]*SubCommand)
	var order []*node.Node
	allSame := true
	for _, off := range original.Offsets {
		n, serr := cl.Select(parts, keys[off], sel)
		if serr != nil {
			return false, nil, serr
		}
		if n != original.Node {
			allSame = false
		}
		sc, ok := byNode[n]
		if !ok {
			sc = &SubCommand{Node: n}
			byNode[n] = sc
			order = append(order, n)
		}
		sc.Offsets = append(sc.Offsets, off)
	}
	if allSame {
		return true, nil, nil
	}
	children = make([]*SubCommand, len(order))
	for i, n := range order {
		children[i] = byNode[n]
	}
	return false, children, nil
}

// Policy bounds one batch execution: the wire policy each sub-command
// runs with, plus the re-plan retry budget shared by every child.
type Policy struct {
	Command    command.Policy
	MaxRetries int
}

// Encoder builds the request payload for one sub-command's offsets.
// Decoder parses one sub-command's response body into per-row results;
// a row's non-zero ResultCode (or a UDF failure message) is recorded on
// the row without failing the batch.
type Encoder func(sc *SubCommand) []byte
type Decoder func(sc *SubCommand, hdr wire.Header, body []byte) ([]RowResult, error)

// Execute plans keys over the current topology, runs one sub-command per
// target node, and re-plans a failed sub-command against the topology in
// force at retry time when the replica policy is SEQUENCE or PREFER_RACK.
// The returned slice is indexed by key offset. The error is nil iff every
// child succeeded; rowError reports row-specific failures that did not
// fail the batch.
func Execute(ctx context.Context, cl *cluster.Cluster, namespace string, keys []cluster.Key, sel *cluster.Selector, pol Policy, encode Encoder, decode Decoder, version, frameType uint8) (rows []RowResult, rowError bool, err error) {
	subs, err := Plan(cl, namespace, keys, sel)
	if err != nil {
		return nil, false, err
	}

	rows = make([]RowResult, len(keys))
	for i := range rows {
		rows[i] = RowResult{Offset: i}
	}

	exec := NewExecutor(len(subs))

	// Each child owns its own selector: Select and Replan advance the
	// selector's sequence state, and concurrently retrying children must
	// not contaminate each other's replica-row advancement.
	var runChild func(sc *SubCommand, csel *cluster.Selector, attempt int)
	runChild = func(sc *SubCommand, csel *cluster.Selector, attempt int) {
		for {
			dec := func(hdr wire.Header, body []byte) (any, error) { return decode(sc, hdr, body) }
			result, cerr := command.ExecuteNode(ctx, sc.Node, pol.Command, func() []byte { return encode(sc) }, dec, version, frameType)
			if cerr == nil {
				childRows := result.([]RowResult)
				rowErr := false
				for _, r := range childRows {
					rows[r.Offset] = r
					if r.ResultCode != 0 || r.Err != nil {
						rowErr = true
					}
				}
				exec.ChildDone(nil, rowErr)
				return
			}

			if attempt >= pol.MaxRetries || !command.Retryable(cerr) {
				exec.ChildDone(cerr, false)
				return
			}
			attempt++
			csel.AdvanceRetry(command.IsTimeout(cerr))

			if p := csel.Policy; p != cluster.PolicySequence && p != cluster.PolicyPreferRack {
				continue // retry in place; only SEQUENCE/PREFER_RACK re-plan
			}

			same, children, rerr := Replan(cl, namespace, sc, keys, csel)
			if rerr != nil {
				exec.ChildDone(rerr, false)
				return
			}
			if same {
				continue
			}
			// The original child is replaced by its re-planned split, so
			// it never reports completion itself.
			exec.AddChildren(len(children) - 1)
			for _, child := range children {
				go runChild(child, csel.CloneForChild(), attempt)
			}
			return
		}
	}

	for _, sc := range subs {
		go runChild(sc, sel.CloneForChild(), 0)
	}

	if werr := exec.Wait(ctx); werr != nil {
		return rows, exec.RowError(), werr
	}
	return rows, exec.RowError(), nil
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardkv/goclient/internal/connection"
)

// ErrNoMoreConnections is returned when every sub-pool (and its
// neighbors) is at capacity.
var ErrNoMoreConnections = errors.New("pool: NO_MORE_CONNECTIONS")

// Dialer opens and, if required, authenticates a brand new connection to
// the pool's node. Supplied by the owner (internal/node) so this package
// never needs to import auth or cluster policy.
type Dialer func(ctx context.Context) (*connection.Connection, error)

// subPool is one of the node's connPoolsPerNode independent stacks.
type subPool struct {
	stack       *Stack[*connection.Connection]
	min, max    int
	mu          sync.Mutex
	outstanding int // checked-out + stacked
}

func (sp *subPool) reserve() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.outstanding >= sp.max {
		return false
	}
	sp.outstanding++
	return true
}

func (sp *subPool) release() {
	sp.mu.Lock()
	sp.outstanding--
	sp.mu.Unlock()
}

func (sp *subPool) total() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.outstanding
}

// NodePool is the per-node partition of connection pools :
// connPoolsPerNode independent stacks, checked out round-robin with
// backward-then-forward neighbor fallback, rebalanced by the tend loop.
type NodePool struct {
	sub         []*subPool
	dial        Dialer
	idleTimeout time.Duration
	maxLifetime time.Duration
	rr          atomic.Uint64

	closed atomic.Bool

	// ErrorRateFn reports the node's current error rate so background
	// replacement-opens during rebalance can be skipped while the node
	// is unhealthy.
	ErrorRateFn  func() float64
	MaxErrorRate float64
}

// New creates a NodePool with connPoolsPerNode stacks, min/max divided
// evenly across them with the remainder going to the lowest-indexed
// pools.
func New(connPoolsPerNode, minConns, maxConns int, idleTimeout, maxLifetime time.Duration, dial Dialer) *NodePool {
	if connPoolsPerNode < 1 {
		connPoolsPerNode = 1
	}
	np := &NodePool{
		sub:         make([]*subPool, connPoolsPerNode),
		dial:        dial,
		idleTimeout: idleTimeout,
		maxLifetime: maxLifetime,
	}
	minBase, minRem := minConns/connPoolsPerNode, minConns%connPoolsPerNode
	maxBase, maxRem := maxConns/connPoolsPerNode, maxConns%connPoolsPerNode
	for i := range np.sub {
		min := minBase
		if i < minRem {
			min++
		}
		max := maxBase
		if i < maxRem {
			max++
		}
		if max < 1 {
			max = 1
		}
		np.sub[i] = &subPool{stack: NewStack[*connection.Connection](max), min: min, max: max}
	}
	return np
}

// boundSubPool adapts one subPool into a connection.Returner bound to
// this NodePool, so Return() knows both which stack to push onto and
// whether the whole pool has been closed.
type boundSubPool struct {
	np *NodePool
	sp *subPool
}

func (b *boundSubPool) Return(c *connection.Connection) {
	if b.np.closed.Load() || c.IsExpired(b.np.maxLifetime) {
		c.Close() // releases the slot via ReleaseSlot
		return
	}
	c.MarkIdle()
	b.sp.stack.PushHead(c)
}

// ReleaseSlot frees the capacity slot a checkout reserved; Connection.Close
// calls it exactly once, so error-path closes conserve pool capacity.
func (b *boundSubPool) ReleaseSlot(*connection.Connection) {
	b.sp.release()
}

// Checkout picks a sub-pool round-robin, then falls back to scanning
// backward then forward through neighbors.
func (np *NodePool) Checkout(ctx context.Context) (*connection.Connection, error) {
	n := len(np.sub)
	start := int(np.rr.Add(1)-1) % n

	order := make([]int, 0, n)
	order = append(order, start)
	for d := 1; d < n; d++ {
		order = append(order, (start-d+n)%n)
	}
	for d := 1; d < n; d++ {
		idx := (start + d) % n
		already := false
		for _, o := range order {
			if o == idx {
				already = true
				break
			}
		}
		if !already {
			order = append(order, idx)
		}
	}

	var lastErr error
	for _, idx := range order {
		c, err := np.checkoutFrom(ctx, idx)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoMoreConnections
	}
	return nil, lastErr
}

func (np *NodePool) checkoutFrom(ctx context.Context, idx int) (*connection.Connection, error) {
	sp := np.sub[idx]
	owner := &boundSubPool{np: np, sp: sp}

	for {
		c, ok := sp.stack.PopHead()
		if !ok {
			break
		}
		if !c.IsCurrent(np.idleTimeout) || c.IsExpired(np.maxLifetime) {
			c.Close()
			continue
		}
		c.MarkActive()
		c.SetOwner(owner)
		return c, nil
	}

	if !sp.reserve() {
		return nil, ErrNoMoreConnections
	}
	c, err := np.dial(ctx)
	if err != nil {
		sp.release()
		return nil, fmt.Errorf("pool: dial: %w", err)
	}
	c.MarkActive()
	c.SetOwner(owner)
	return c, nil
}

// Stats summarizes the node pool's current connection counts.
type Stats struct {
	Total, Idle, Active int
}

// Stats aggregates counters across all sub-pools.
func (np *NodePool) Stats() Stats {
	var s Stats
	for _, sp := range np.sub {
		total := sp.total()
		idle := sp.stack.Len()
		s.Total += total
		s.Idle += idle
		s.Active += total - idle
	}
	return s
}

// Rebalance implements the tend-driven idle trim / replenish pass
// : each sub-pool reports excess = total - min; positive
// excess closes that many idle connections from the stack tail (oldest);
// negative excess opens replacements in the background if the node's
// error rate is within limit.
func (np *NodePool) Rebalance(ctx context.Context) {
	for _, sp := range np.sub {
		total := sp.total()
		excess := total - sp.min
		if excess > 0 {
			for i := 0; i < excess; i++ {
				c, ok := sp.stack.PopTail()
				if !ok {
					break
				}
				c.Close()
			}
			continue
		}
		if excess < 0 {
			if np.ErrorRateFn != nil && np.ErrorRateFn() > np.MaxErrorRate && np.MaxErrorRate > 0 {
				continue
			}
			need := -excess
			for i := 0; i < need; i++ {
				if !sp.reserve() {
					break
				}
				go func(sp *subPool) {
					owner := &boundSubPool{np: np, sp: sp}
					c, err := np.dial(ctx)
					if err != nil {
						sp.release()
						return
					}
					c.MarkIdle()
					c.SetOwner(owner)
					sp.stack.PushHead(c)
				}(sp)
			}
		}
	}
}

// Close drains every sub-pool, closing all idle connections. Active
// (checked-out) connections are closed as they are returned, since
// boundSubPool.Return checks np.closed.
func (np *NodePool) Close() {
	np.closed.Store(true)
	for _, sp := range np.sub {
		for _, c := range sp.stack.Drain() {
			c.Close()
		}
	}
}

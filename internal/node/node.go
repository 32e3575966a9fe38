// Package node implements the per-server representation of a cluster
// member: identity, tend connection, per-node connection pools, session
// token, capability flags, generation counters, and health accounting.
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardkv/goclient/internal/auth"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/pool"
)

// Capability bits reported by the `features` info name.
const (
	CapPartitionScan uint32 = 1 << iota
	CapQueryShow
	CapBatchAny
	CapPartitionQuery
)

var featureBits = map[string]uint32{
	"pscans":          CapPartitionScan,
	"query-show":      CapQueryShow,
	"batch-any":       CapBatchAny,
	"partition-query": CapPartitionQuery,
}

// CapabilitiesFromFeatures turns the semicolon-split feature set into a bitmask.
func CapabilitiesFromFeatures(features map[string]bool) uint32 {
	var caps uint32
	for name, bit := range featureBits {
		if features[name] {
			caps |= bit
		}
	}
	return caps
}

// SessionToken is an alias for the login handshake's issued credential,
// cached on the node and replayed on each new connection.
type SessionToken = auth.Token

func sessionValid(t SessionToken) bool {
	return len(t.Bytes) > 0 && time.Now().Before(t.Expires)
}

// Node represents one server process, identified by its stable node-name.
// A node's identity is its name: if a refresh reveals a different name at
// the same address, the original node is marked inactive rather than
// renamed.
type Node struct {
	name     string
	host     string
	port     int
	hostname string // optional, for TLS SNI / logging

	tendMu   sync.Mutex
	tendConn *connection.Connection

	pool *pool.NodePool

	sessionMu     sync.RWMutex
	session       SessionToken
	loginRequired atomic.Bool

	capabilities atomic.Uint32

	racksMu sync.RWMutex
	racks   map[string]int // namespace -> rack id

	peersGeneration     atomic.Uint64
	partitionGeneration atomic.Uint64
	rebalanceGeneration atomic.Uint64

	referenceCount   atomic.Int32
	partitionChanged atomic.Bool
	rebalanceChanged atomic.Bool

	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	errorCount        atomic.Int64
	timeoutCount      atomic.Int64
	commandCount      atomic.Int64
	refreshFailures   atomic.Int64

	active atomic.Bool
}

// Config bundles what Cluster needs to construct a Node.
type Config struct {
	Name             string
	Host             string
	Port             int
	Hostname         string
	ConnPoolsPerNode int
	MinConns         int
	MaxConns         int
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	MaxErrorRate     float64
	Dial             pool.Dialer
}

// New constructs an active Node with its connection pool wired up.
func New(cfg Config) *Node {
	n := &Node{
		name:     cfg.Name,
		host:     cfg.Host,
		port:     cfg.Port,
		hostname: cfg.Hostname,
		racks:    make(map[string]int),
	}
	n.active.Store(true)
	n.pool = pool.New(cfg.ConnPoolsPerNode, cfg.MinConns, cfg.MaxConns, cfg.IdleTimeout, cfg.MaxLifetime, cfg.Dial)
	n.pool.ErrorRateFn = n.ErrorRate
	n.pool.MaxErrorRate = cfg.MaxErrorRate
	return n
}

// Name returns the node's stable identity.
func (n *Node) Name() string { return n.name }

// Host returns the node's primary endpoint.
func (n *Node) Host() (host string, port int) { return n.host, n.port }

// Hostname returns the optional hostname used for TLS SNI / logging.
func (n *Node) Hostname() string { return n.hostname }

// IsActive reports whether this node is still part of the live topology.
func (n *Node) IsActive() bool { return n.active.Load() }

// MarkInactive flips the node's active flag and closes its pool. Node
// selection treats an inactive node as a miss; idle connections are
// closed now and checked-out ones are closed on return. GetConnection
// does not check the flag.
func (n *Node) MarkInactive() {
	n.active.Store(false)
	n.pool.Close()
}

// Pool returns the node's per-node connection pool.
func (n *Node) Pool() *pool.NodePool { return n.pool }

// GetConnection checks out a pooled connection, authenticating a freshly
// dialed one if the node requires a session token.
func (n *Node) GetConnection(ctx context.Context) (*connection.Connection, error) {
	return n.pool.Checkout(ctx)
}

// TendConnection returns the long-lived tend-only connection, reopening
// it if closed.
func (n *Node) TendConnection(dial func(ctx context.Context) (*connection.Connection, error), ctx context.Context) (*connection.Connection, error) {
	n.tendMu.Lock()
	defer n.tendMu.Unlock()
	if n.tendConn != nil && n.tendConn.State() != connection.StateClosed {
		return n.tendConn, nil
	}
	if dial == nil {
		return nil, fmt.Errorf("node: no tend connection and no dialer supplied")
	}
	c, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	n.tendConn = c
	return c, nil
}

// CloseTendConnection closes and clears the tend connection, e.g. on a
// verification failure that requires a fresh handshake next iteration.
func (n *Node) CloseTendConnection() {
	n.tendMu.Lock()
	defer n.tendMu.Unlock()
	if n.tendConn != nil {
		n.tendConn.Close()
		n.tendConn = nil
	}
}

// Capabilities returns the current capability bitmask.
func (n *Node) Capabilities() uint32 { return n.capabilities.Load() }

// SetCapabilities updates the capability bitmask (tend thread only).
func (n *Node) SetCapabilities(caps uint32) { n.capabilities.Store(caps) }

// HasCapability reports whether a capability bit is set.
func (n *Node) HasCapability(bit uint32) bool { return n.capabilities.Load()&bit != 0 }

// Session returns the cached session token (read by many goroutines,
// written only by the single tend thread).
func (n *Node) Session() SessionToken {
	n.sessionMu.RLock()
	defer n.sessionMu.RUnlock()
	return n.session
}

// SessionValid reports whether the cached token is present and unexpired.
func (n *Node) SessionValid() bool {
	n.sessionMu.RLock()
	defer n.sessionMu.RUnlock()
	return sessionValid(n.session)
}

// SetSession updates the cached session token (tend thread only, after a
// successful login).
func (n *Node) SetSession(tok SessionToken) {
	n.sessionMu.Lock()
	defer n.sessionMu.Unlock()
	n.session = tok
	n.loginRequired.Store(false)
}

// SignalLogin marks the node as needing a fresh login. Commands that see
// an auth-failure result set this instead of racing the login themselves;
// the tend thread performs the login out-of-band on its next pass.
func (n *Node) SignalLogin() { n.loginRequired.Store(true) }

// LoginRequired reports whether a command has signaled an auth failure
// since the last successful login.
func (n *Node) LoginRequired() bool { return n.loginRequired.Load() }

// Racks returns a copy of the node's own per-namespace rack-id map.
func (n *Node) Racks() map[string]int {
	n.racksMu.RLock()
	defer n.racksMu.RUnlock()
	out := make(map[string]int, len(n.racks))
	for k, v := range n.racks {
		out[k] = v
	}
	return out
}

// SetRacks replaces the node's rack-id map (tend thread only).
func (n *Node) SetRacks(racks map[string]int) {
	n.racksMu.Lock()
	n.racks = racks
	n.racksMu.Unlock()
}

// RackID returns this node's rack id for a namespace, and whether one is
// configured.
func (n *Node) RackID(namespace string) (int, bool) {
	n.racksMu.RLock()
	defer n.racksMu.RUnlock()
	id, ok := n.racks[namespace]
	return id, ok
}

// Generations: peers, partition, rebalance.

func (n *Node) PeersGeneration() uint64     { return n.peersGeneration.Load() }
func (n *Node) SetPeersGeneration(g uint64) { n.peersGeneration.Store(g) }

func (n *Node) PartitionGeneration() uint64     { return n.partitionGeneration.Load() }
func (n *Node) SetPartitionGeneration(g uint64) { n.partitionGeneration.Store(g) }

// InvalidatePartitionGeneration forces this node's next tend to refresh
// partitions, even if the server-reported generation hasn't changed. A
// higher-regime partition update invalidates the previous owner this way.
// Implements partition.NodeRef.
func (n *Node) InvalidatePartitionGeneration() { n.partitionGeneration.Store(0) }

func (n *Node) RebalanceGeneration() uint64     { return n.rebalanceGeneration.Load() }
func (n *Node) SetRebalanceGeneration(g uint64) { n.rebalanceGeneration.Store(g) }

// Reference counting and change flags, reset each tend iteration.

func (n *Node) ResetTendFlags() {
	n.referenceCount.Store(0)
	n.partitionChanged.Store(false)
	n.rebalanceChanged.Store(false)
}

func (n *Node) IncRef()               { n.referenceCount.Add(1) }
func (n *Node) ReferenceCount() int32 { return n.referenceCount.Load() }

func (n *Node) SetPartitionChanged(v bool) { n.partitionChanged.Store(v) }
func (n *Node) PartitionChanged() bool     { return n.partitionChanged.Load() }

func (n *Node) SetRebalanceChanged(v bool) { n.rebalanceChanged.Store(v) }
func (n *Node) RebalanceChanged() bool     { return n.rebalanceChanged.Load() }

// Health/error accounting.

func (n *Node) IncErrors()   { n.errorCount.Add(1) }
func (n *Node) IncTimeouts() { n.timeoutCount.Add(1); n.errorCount.Add(1) }
func (n *Node) IncCommands() { n.commandCount.Add(1) }

func (n *Node) ErrorCount() int64   { return n.errorCount.Load() }
func (n *Node) TimeoutCount() int64 { return n.timeoutCount.Load() }

// ErrorRate is errors per command issued since the last reset (quick-
// restart detection resets both counters together).
func (n *Node) ErrorRate() float64 {
	cmds := n.commandCount.Load()
	if cmds == 0 {
		return 0
	}
	return float64(n.errorCount.Load()) / float64(cmds)
}

// ResetErrorRate clears error/command counters — invoked on quick-restart
// detection (a node whose generation goes backward).
func (n *Node) ResetErrorRate() {
	n.errorCount.Store(0)
	n.commandCount.Store(0)
	n.timeoutCount.Store(0)
}

func (n *Node) IncRefreshFailures() int64 { return n.refreshFailures.Add(1) }
func (n *Node) RefreshFailures() int64    { return n.refreshFailures.Load() }
func (n *Node) ResetRefreshFailures()     { n.refreshFailures.Store(0) }

func (n *Node) AddBytesIn(b int)  { n.bytesIn.Add(int64(b)) }
func (n *Node) AddBytesOut(b int) { n.bytesOut.Add(int64(b)) }
func (n *Node) AddOpened()        { n.connectionsOpened.Add(1) }
func (n *Node) AddClosed()        { n.connectionsClosed.Add(1) }

// Stats is a point-in-time snapshot of a node's counters, suitable for
// the diagnostics API and Prometheus export.
type Stats struct {
	Name                string
	Active              bool
	Pool                pool.Stats
	ErrorCount          int64
	TimeoutCount        int64
	ConnectionsOpened   int64
	ConnectionsClosed   int64
	BytesIn, BytesOut   int64
	PeersGeneration     uint64
	PartitionGeneration uint64
}

// Stats snapshots the node's current counters.
func (n *Node) Stats() Stats {
	return Stats{
		Name:                n.name,
		Active:              n.IsActive(),
		Pool:                n.pool.Stats(),
		ErrorCount:          n.errorCount.Load(),
		TimeoutCount:        n.timeoutCount.Load(),
		ConnectionsOpened:   n.connectionsOpened.Load(),
		ConnectionsClosed:   n.connectionsClosed.Load(),
		BytesIn:             n.bytesIn.Load(),
		BytesOut:            n.bytesOut.Load(),
		PeersGeneration:     n.peersGeneration.Load(),
		PartitionGeneration: n.partitionGeneration.Load(),
	}
}

// Close shuts down the node's tend connection and connection pool.
func (n *Node) Close() {
	n.CloseTendConnection()
	n.pool.Close()
}

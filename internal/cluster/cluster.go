// Package cluster implements the tend loop: membership discovery, peers
// and partition refresh, eviction, and copy-on-write topology publication,
// plus node selection by replica policy.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardkv/goclient/internal/auth"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/info"
	"github.com/shardkv/goclient/internal/metrics"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/partition"
	"github.com/shardkv/goclient/internal/pool"
)

// ReplicaPolicy selects which replica row a command targets.
type ReplicaPolicy int

const (
	PolicyMaster ReplicaPolicy = iota
	PolicyMasterProles
	PolicySequence
	PolicyPreferRack
	PolicyRandom
)

// ErrInvalidNode is returned when every replica row for a partition is
// either unowned or owned by an inactive node.
type ErrInvalidNode struct {
	Namespace string
	Partition int
}

func (e *ErrInvalidNode) Error() string {
	return fmt.Sprintf("cluster: no active node owns namespace %q partition %d", e.Namespace, e.Partition)
}

// Policy bundles the operator-tunable knobs the tend loop and pools use.
type Policy struct {
	TendInterval       time.Duration
	LoginTimeout       time.Duration
	InfoTimeout        time.Duration
	ConnPoolsPerNode   int
	MinConnsPerNode    int
	MaxConnsPerNode    int
	IdleTimeout        time.Duration
	MaxConnLifetime    time.Duration
	MaxErrorRate       float64
	RackAware          bool
	RackIDs            []int
	FailIfNotConnected bool
	InitialTimeout     time.Duration
}

// DefaultPolicy returns the tend/pool defaults.
func DefaultPolicy() Policy {
	return Policy{
		TendInterval:       time.Second,
		LoginTimeout:       time.Second,
		InfoTimeout:        time.Second,
		ConnPoolsPerNode:   1,
		MinConnsPerNode:    1,
		MaxConnsPerNode:    100,
		IdleTimeout:        55 * time.Second,
		MaxConnLifetime:    0,
		MaxErrorRate:       0.5,
		FailIfNotConnected: true,
		InitialTimeout:     time.Second,
	}
}

type nodeEntry struct {
	n         *node.Node
	refreshes int
	responded bool

	// pendingPeersGen is the peers-generation the node reported this
	// pass; it is committed to the node only after refreshPeers accepts
	// every peer the node referenced.
	pendingPeersGen uint64
}

// Cluster owns the seed list, the tend thread, and the copy-on-write
// topology. It is the single writer of the node array and the partition
// map; everything else reads lock-free snapshots.
type Cluster struct {
	policy  Policy
	creds   auth.Credentials
	hasher  auth.Hasher
	logger  *slog.Logger
	metrics *metrics.Collector

	nodesMu sync.Mutex // tend thread only; guards entries during a pass
	entries map[string]*nodeEntry

	nodesPtr atomic.Pointer[[]*node.Node]
	topology *partition.Topology

	seedHosts []Host

	mprRR  atomic.Uint64
	randRR atomic.Uint64

	invalidHosts atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
	wakeCh    chan struct{}

	regimeSeenMu sync.Mutex
	regimeSeen   map[string]bool // "ns/partition" already logged at a lower regime
}

// Host is a seed or peer endpoint.
type Host struct {
	Name string
	Port int
	TLS  string
}

// New constructs a Cluster with no active nodes; call Start to launch the
// tend thread.
func New(policy Policy, seeds []Host, creds auth.Credentials, hasher auth.Hasher, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cluster{
		policy:     policy,
		creds:      creds,
		hasher:     hasher,
		logger:     logger,
		entries:    make(map[string]*nodeEntry),
		topology:   partition.NewTopology(),
		seedHosts:  seeds,
		stopCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
		regimeSeen: make(map[string]bool),
	}
	empty := []*node.Node{}
	c.nodesPtr.Store(&empty)
	return c
}

// SetMetrics attaches a Prometheus collector the tend loop updates each
// pass. Call before Start; a nil collector disables instrumentation.
func (c *Cluster) SetMetrics(m *metrics.Collector) { c.metrics = m }

// Start launches the background tend thread. If policy.FailIfNotConnected
// is set, it blocks until the first tend pass completes or ctx is done.
func (c *Cluster) Start(ctx context.Context) error {
	first := make(chan struct{})
	var once sync.Once
	go c.run(first, &once)

	if !c.policy.FailIfNotConnected {
		return nil
	}
	select {
	case <-first:
		if len(c.Nodes()) == 0 {
			return fmt.Errorf("cluster: no nodes validated during initial tend")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.initialTimeout()):
		return fmt.Errorf("cluster: initial tend did not complete within %s", c.initialTimeout())
	}
}

func (c *Cluster) initialTimeout() time.Duration {
	if c.policy.InitialTimeout > 0 {
		return c.policy.InitialTimeout
	}
	return time.Second
}

func (c *Cluster) run(first chan struct{}, once *sync.Once) {
	for {
		c.tendOnce()
		once.Do(func() { close(first) })

		timer := time.NewTimer(c.policy.TendInterval)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Wake interrupts the tend thread's sleep so the next tend runs now.
func (c *Cluster) Wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Close stops the tend thread and closes every node's pools.
func (c *Cluster) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		for _, n := range c.Nodes() {
			n.Close()
		}
	})
}

// Nodes returns the current active node array (lock-free read).
func (c *Cluster) Nodes() []*node.Node {
	return *c.nodesPtr.Load()
}

// Topology returns the current partition topology.
func (c *Cluster) Topology() *partition.Topology { return c.topology }

// InvalidHostCount reports how many seed/peer hosts have failed
// validation since the cluster started.
func (c *Cluster) InvalidHostCount() int64 { return c.invalidHosts.Load() }

// tendOnce executes one full tend iteration: seed, reset per-node flags,
// refresh each node, refresh peers/partitions if anything changed,
// evict, and publish. The sleep between passes is driven by the caller.
func (c *Cluster) tendOnce() {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.TendInterval+5*time.Second)
	defer cancel()

	if len(c.entries) == 0 {
		c.seed(ctx)
	}

	for _, e := range c.entries {
		e.responded = false
		e.n.ResetTendFlags()
	}

	peersChanged := false
	partitionsChanged := false

	for _, e := range c.entries {
		if !e.n.IsActive() {
			continue
		}
		ok, peersCh, partCh := c.refreshNode(ctx, e)
		e.refreshes++
		if ok {
			e.responded = true
			e.n.ResetRefreshFailures()
		} else {
			e.n.IncRefreshFailures()
			if c.metrics != nil {
				c.metrics.TendRefreshFailed()
			}
			peersCh, partCh = true, true // a failed refresh forces a full peers+partition refresh
		}
		peersChanged = peersChanged || peersCh
		partitionsChanged = partitionsChanged || partCh
	}

	if peersChanged {
		c.refreshPeers(ctx)
	}
	if partitionsChanged {
		c.refreshPartitions(ctx)
	}

	evicted := c.computeEvictions()
	c.publishNodeArray(evicted)

	if c.metrics != nil {
		nodes := c.Nodes()
		c.metrics.SetNodesActive(len(nodes))
		for name := range evicted {
			c.metrics.NodeInvalidated()
			c.metrics.RemoveNode(name)
		}
		for _, n := range nodes {
			st := n.Pool().Stats()
			c.metrics.UpdatePoolStats(n.Name(), st.Active, st.Idle, st.Total)
			c.metrics.SetGenerations(n.Name(), n.PeersGeneration(), n.PartitionGeneration())
		}
		c.metrics.TendCompleted(time.Since(started))
	}
}

// seed resolves each seed host and validates at least one connection per
// resolved address.
func (c *Cluster) seed(ctx context.Context) {
	for _, h := range c.seedHosts {
		addrs, err := net.DefaultResolver.LookupHost(ctx, h.Name)
		if err != nil {
			c.invalidHosts.Add(1)
			c.logger.Warn("cluster: seed DNS lookup failed", "host", h.Name, "error", err)
			continue
		}
		for _, addr := range addrs {
			n, err := c.validateAndBuildNode(ctx, addr, h.Port)
			if err != nil {
				c.invalidHosts.Add(1)
				c.logger.Warn("cluster: seed validation failed", "addr", addr, "error", err)
				continue
			}
			if _, exists := c.entries[n.Name()]; exists {
				n.Close()
				continue
			}
			c.entries[n.Name()] = &nodeEntry{n: n}
		}
	}
}

// validateAndBuildNode opens one connection, logs in, reads node+features,
// and constructs a Node.
func (c *Cluster) validateAndBuildNode(ctx context.Context, host string, port int) (*node.Node, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := net.DialTimeout("tcp", addr, c.policy.InfoTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn := connection.New(raw, "", nil)

	tok, err := auth.Login(ctx, conn, c.creds, c.hasher, c.policy.LoginTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	resp, err := info.Request(ctx, raw, c.policy.InfoTimeout, "node", "features")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("info: %w", err)
	}
	name := resp["node"]
	if name == "" {
		conn.Close()
		return nil, fmt.Errorf("empty node-name")
	}

	// The pool dialer replays the node's cached session token on every
	// fresh connection; the node pointer is bound just below, before the
	// node is published and any checkout can run.
	var nd *node.Node
	base := c.dialerFor(host, port)
	dial := func(ctx context.Context) (*connection.Connection, error) {
		conn, err := base(ctx)
		if err != nil {
			return nil, err
		}
		if nd != nil && nd.SessionValid() {
			if rerr := auth.ReplaySession(ctx, conn, nd.Session(), c.policy.LoginTimeout); rerr != nil {
				conn.Close()
				nd.SignalLogin()
				c.Wake()
				return nil, rerr
			}
		}
		return conn, nil
	}
	n := node.New(node.Config{
		Name:             name,
		Host:             host,
		Port:             port,
		ConnPoolsPerNode: c.policy.ConnPoolsPerNode,
		MinConns:         c.policy.MinConnsPerNode,
		MaxConns:         c.policy.MaxConnsPerNode,
		IdleTimeout:      c.policy.IdleTimeout,
		MaxLifetime:      c.policy.MaxConnLifetime,
		MaxErrorRate:     c.policy.MaxErrorRate,
		Dial:             dial,
	})
	nd = n
	n.SetSession(tok)
	n.SetCapabilities(node.CapabilitiesFromFeatures(info.SplitFeatures(resp["features"])))
	n.TendConnection(func(ctx context.Context) (*connection.Connection, error) { return conn, nil }, ctx)
	return n, nil
}

// dialerFor builds a pool.Dialer that connects to host:port for the
// node's regular connection pool.
func (c *Cluster) dialerFor(host string, port int) pool.Dialer {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return func(ctx context.Context) (*connection.Connection, error) {
		raw, err := net.DialTimeout("tcp", addr, c.policy.InfoTimeout)
		if err != nil {
			return nil, err
		}
		return connection.New(raw, "", nil), nil
	}
}

// refreshNode issues node/peers-generation/partition-generation(/rebalance-
// generation) on the node's tend connection.
func (c *Cluster) refreshNode(ctx context.Context, e *nodeEntry) (ok, peersChanged, partitionsChanged bool) {
	names := []string{"node", "peers-generation", "partition-generation"}
	if c.policy.RackAware {
		names = append(names, "rebalance-generation")
	}

	tc, err := e.n.TendConnection(func(ctx context.Context) (*connection.Connection, error) {
		return c.validateTendConnection(ctx, e.n)
	}, ctx)
	if err != nil {
		return false, false, false
	}

	resp, err := info.Request(ctx, tc.Raw(), c.policy.InfoTimeout, names...)
	if err != nil {
		e.n.CloseTendConnection()
		return false, false, false
	}

	if resp["node"] != "" && resp["node"] != e.n.Name() {
		e.n.MarkInactive()
		return false, false, false
	}

	peersGen := parseUint(resp["peers-generation"])
	partGen := parseUint(resp["partition-generation"])

	if peersGen < e.n.PeersGeneration() || partGen < e.n.PartitionGeneration() {
		// quick restart: regress in generation
		e.n.ResetErrorRate()
		if tok, err := auth.Login(ctx, tc, c.creds, c.hasher, c.policy.LoginTimeout); err == nil {
			e.n.SetSession(tok)
		}
		e.n.Pool().Rebalance(ctx)
	}

	if e.n.LoginRequired() || !e.n.SessionValid() {
		if tok, lerr := auth.Login(ctx, tc, c.creds, c.hasher, c.policy.LoginTimeout); lerr == nil {
			e.n.SetSession(tok)
		}
	}

	peersChanged = peersGen != e.n.PeersGeneration()
	partitionsChanged = partGen != e.n.PartitionGeneration()
	// The peers-generation is not committed here: refreshPeers commits
	// it only once every peer this node referenced has been accepted, so
	// a failed peer validation forces another peers refresh next pass.
	e.pendingPeersGen = peersGen
	e.n.SetPartitionGeneration(partGen)
	e.n.SetPartitionChanged(partitionsChanged)
	if c.policy.RackAware {
		rebalanceGen := parseUint(resp["rebalance-generation"])
		e.n.SetRebalanceChanged(rebalanceGen != e.n.RebalanceGeneration())
		e.n.SetRebalanceGeneration(rebalanceGen)
	}
	return true, peersChanged, partitionsChanged
}

func (c *Cluster) validateTendConnection(ctx context.Context, n *node.Node) (*connection.Connection, error) {
	host, port := n.Host()
	raw, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), c.policy.InfoTimeout)
	if err != nil {
		return nil, err
	}
	conn := connection.New(raw, n.Name(), nil)
	if tok, err := auth.Login(ctx, conn, c.creds, c.hasher, c.policy.LoginTimeout); err == nil {
		n.SetSession(tok)
	}
	return conn, nil
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	return v
}

// refreshPeers parses peer descriptors from every active node, then
// validates and adds distinct new nodes.
func (c *Cluster) refreshPeers(ctx context.Context) {
	for _, e := range c.entries {
		if !e.n.IsActive() {
			continue
		}
		tc, err := e.n.TendConnection(nil, ctx)
		if err != nil || tc == nil {
			continue
		}
		resp, err := info.Request(ctx, tc.Raw(), c.policy.InfoTimeout, "peers-clear-std")
		if err != nil {
			continue
		}
		_, _, peers, err := partition.ParsePeers(resp["peers-clear-std"])
		if err != nil {
			c.logger.Warn("cluster: parsing peers", "error", err)
			continue
		}
		allAccepted := true
		for _, p := range peers {
			if _, exists := c.entries[p.NodeName]; exists {
				continue
			}
			if len(p.Hosts) == 0 {
				allAccepted = false
				continue
			}
			n, err := c.validateAndBuildNode(ctx, p.Hosts[0].Name, p.Hosts[0].Port)
			if err != nil {
				allAccepted = false
				c.invalidHosts.Add(1)
				c.logger.Warn("cluster: peer validation failed", "peer", p.NodeName, "error", err)
				continue
			}
			c.entries[n.Name()] = &nodeEntry{n: n, responded: true}
		}
		if allAccepted {
			e.n.SetPeersGeneration(e.pendingPeersGen)
		}
	}
}

// refreshPartitions rebuilds the partition topology from every active
// node; nodes whose partition-generation is unchanged are queried too.
func (c *Cluster) refreshPartitions(ctx context.Context) {
	next := c.topology.CloneCurrent()
	for _, e := range c.entries {
		if !e.n.IsActive() {
			continue
		}
		tc, err := e.n.TendConnection(nil, ctx)
		if err != nil || tc == nil {
			continue
		}
		names := []string{"replicas"}
		if c.policy.RackAware {
			names = append(names, "racks:")
		}
		resp, err := info.Request(ctx, tc.Raw(), c.policy.InfoTimeout, names...)
		if err != nil {
			continue
		}
		if err := partition.ParseReplicas(resp["replicas"], e.n, next, c.onLowerRegime); err != nil {
			c.logger.Warn("cluster: parsing replicas", "node", e.n.Name(), "error", err)
			continue
		}
		if c.policy.RackAware {
			if racks, err := partition.ParseRacks(resp["racks:"]); err == nil {
				e.n.SetRacks(racks)
			}
		}
	}
	c.topology.Publish(next)
}

// onLowerRegime logs once per (namespace, partition) that a stale
// partition update was ignored, rather than once per node that reported it.
func (c *Cluster) onLowerRegime(namespace string, partitionID int, oldRegime, newRegime uint32) {
	key := namespace + "/" + strconv.Itoa(partitionID)
	c.regimeSeenMu.Lock()
	seen := c.regimeSeen[key]
	c.regimeSeen[key] = true
	c.regimeSeenMu.Unlock()
	if !seen {
		partition.WarnLowerRegime(c.logger, namespace, partitionID, oldRegime, newRegime)
	}
}

// singleNodeFailureLimit is how many consecutive refresh failures mark a
// sole surviving node unhealthy enough to evict.
const singleNodeFailureLimit = 5

// computeEvictions decides which entries to drop, scaled by how many
// nodes are currently live: with one live node, only once it is
// unhealthy (consecutive refresh failures at the limit); with two, an
// unresponsive node is only evicted once nothing else still references
// it; with three or more, a node is evicted for going unreferenced
// across consecutive refreshes while not responding, or for dropping
// out of every partition table while not responding. A node is never
// evicted solely because one refresh failed.
func (c *Cluster) computeEvictions() map[string]bool {
	live := 0
	for _, e := range c.entries {
		if e.n.IsActive() {
			live++
		}
	}

	evicted := make(map[string]bool)
	for name, e := range c.entries {
		if !e.n.IsActive() {
			evicted[name] = true
			continue
		}
		switch {
		case live == 1:
			if !e.responded && e.n.RefreshFailures() >= singleNodeFailureLimit {
				evicted[name] = true
			}
		case live == 2:
			if !e.responded && e.n.ReferenceCount() == 0 {
				evicted[name] = true
			}
		default:
			unreferencedTooLong := !e.responded && e.n.ReferenceCount() == 0 && e.refreshes >= 2
			missingFromPartitions := !e.responded && !c.appearsInPartitions(e.n)
			if unreferencedTooLong || missingFromPartitions {
				evicted[name] = true
			}
		}
	}
	return evicted
}

func (c *Cluster) appearsInPartitions(n *node.Node) bool {
	for _, p := range c.topology.Load() {
		for _, row := range p.Replicas {
			for _, owner := range row {
				if owner == n {
					return true
				}
			}
		}
	}
	return false
}

// publishNodeArray builds a fresh active-node array, closes evicted
// nodes' pools, and swaps the published pointer.
func (c *Cluster) publishNodeArray(evicted map[string]bool) {
	fresh := make([]*node.Node, 0, len(c.entries))
	for name, e := range c.entries {
		if evicted[name] {
			e.n.MarkInactive()
			e.n.Close()
			delete(c.entries, name)
			continue
		}
		fresh = append(fresh, e.n)
	}
	c.nodesPtr.Store(&fresh)
}

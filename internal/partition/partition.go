// Package partition implements the per-namespace replica matrix
// and partition-id derivation.
package partition

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Count is the fixed protocol constant: 4096 logical shards per namespace.
const Count = 4096

// BitmapBytes is the byte length of one replica row's ownership bitmap:
// ceil(Count/8).
const BitmapBytes = (Count + 7) / 8

// NodeRef is the minimal view of a node the partition map needs for
// routing. It is satisfied by *node.Node without this package importing
// node (node imports partition, not the reverse).
type NodeRef interface {
	Name() string
	IsActive() bool
	InvalidatePartitionGeneration()
}

// ID derives the partition a key's digest belongs to: the little-endian
// uint32 formed from the digest's first 4 bytes, mod Count.
func ID(digest []byte) int {
	return int(binary.LittleEndian.Uint32(digest[:4]) % Count)
}

// Partitions is the immutable per-namespace replica matrix: replicas[r][p]
// is the node owning partition p at replica row r (0 = master), or nil if
// unknown. regimes[p] is the monotonic ownership tag for partition p.
// Instances are never mutated after construction — updates build a new
// Partitions and the cluster topology map is swapped wholesale.
type Partitions struct {
	Namespace    string
	ReplicaCount int
	SCMode       bool
	Replicas     [][]NodeRef
	Regimes      []uint32
}

// New allocates an empty Partitions matrix with the given replica count.
func New(namespace string, replicaCount int, scMode bool) *Partitions {
	p := &Partitions{
		Namespace:    namespace,
		ReplicaCount: replicaCount,
		SCMode:       scMode,
		Replicas:     make([][]NodeRef, replicaCount),
		Regimes:      make([]uint32, Count),
	}
	for r := range p.Replicas {
		p.Replicas[r] = make([]NodeRef, Count)
	}
	return p
}

// Clone makes a shallow copy of the matrix (new backing rows, same node
// references) so a parser can apply updates without mutating the
// currently-published Partitions (copy-on-write).
func (p *Partitions) Clone() *Partitions {
	cp := &Partitions{
		Namespace:    p.Namespace,
		ReplicaCount: p.ReplicaCount,
		SCMode:       p.SCMode,
		Replicas:     make([][]NodeRef, len(p.Replicas)),
		Regimes:      make([]uint32, len(p.Regimes)),
	}
	for r, row := range p.Replicas {
		cp.Replicas[r] = append([]NodeRef(nil), row...)
	}
	copy(cp.Regimes, p.Regimes)
	return cp
}

// SetOwner assigns node as the owner of partitionID at replica row r, if
// regime is not older than the partition's current regime. On a strictly
// higher regime the previous owner's partition generation is invalidated
// so its next tend forces a partition refresh.
func (p *Partitions) SetOwner(r, partitionID int, regime uint32, node NodeRef) (applied bool) {
	if regime < p.Regimes[partitionID] {
		return false
	}
	if regime > p.Regimes[partitionID] {
		if prev := p.Replicas[r][partitionID]; prev != nil && prev != node {
			prev.InvalidatePartitionGeneration()
		}
		p.Regimes[partitionID] = regime
	}
	p.Replicas[r][partitionID] = node
	return true
}

// Topology is the cluster-wide namespace -> Partitions map, held behind
// one atomic reference so readers always see a whole, consistent
// snapshot.
type Topology struct {
	mu  sync.Mutex // serializes writers (tend thread is the only writer)
	ptr atomic.Pointer[map[string]*Partitions]
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	t := &Topology{}
	empty := make(map[string]*Partitions)
	t.ptr.Store(&empty)
	return t
}

// Load returns the current snapshot (lock-free, safe for concurrent readers).
func (t *Topology) Load() map[string]*Partitions {
	return *t.ptr.Load()
}

// Publish atomically swaps in a new complete namespace map built by the
// tend thread (copy-on-write: build a new map, shallow-copy unaffected
// entries, then swap).
func (t *Topology) Publish(next map[string]*Partitions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptr.Store(&next)
}

// CloneCurrent returns a shallow copy of the current namespace map,
// suitable as the starting point for a tend-thread update (copy-on-write:
// modify the copy, then Publish it).
func (t *Topology) CloneCurrent() map[string]*Partitions {
	cur := t.Load()
	next := make(map[string]*Partitions, len(cur))
	for ns, p := range cur {
		next[ns] = p
	}
	return next
}

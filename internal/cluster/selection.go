package cluster

import (
	"crypto/sha256"

	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/partition"
)

// ReadMode can force SEQUENCE semantics regardless of the configured
// replica policy.
type ReadMode int

const (
	ReadModeDefault ReadMode = iota
	ReadModeLinearize
)

// Key carries the pre-hashed digest and namespace a command targets.
type Key struct {
	Namespace string
	Digest    [sha256.Size]byte
}

// PartitionID derives the owning partition.
func (k Key) PartitionID() int {
	return partition.ID(k.Digest[:4])
}

// Selector walks the replica matrix for one command attempt, advancing
// its own sequence counters across retries.
type Selector struct {
	Policy      ReplicaPolicy
	Mode        ReadMode
	SCNamespace bool
	RackIDs     []int

	Sequence   int
	SequenceSC int
	prevNode   *node.Node
}

func (s *Selector) effectivePolicy() ReplicaPolicy {
	if s.Mode == ReadModeLinearize {
		return PolicySequence
	}
	return s.Policy
}

// sequence returns the counter driving row selection: the
// strong-consistency counter for LINEARIZE reads, the AP counter
// otherwise.
func (s *Selector) sequence() int {
	if s.Mode == ReadModeLinearize {
		return s.SequenceSC
	}
	return s.Sequence
}

// advanceMiss skips a null or inactive cell. A miss is not a timeout, so
// the driving counter always moves.
func (s *Selector) advanceMiss() {
	if s.Mode == ReadModeLinearize {
		s.SequenceSC++
		return
	}
	s.Sequence++
}

// AdvanceRetry moves the selector to the next replica row between
// command attempts. The AP counter always advances; the
// strong-consistency counter advances only on a non-timeout retry of a
// LINEARIZE read, so a linearize read whose socket timed out lands on
// the same replica row again.
func (s *Selector) AdvanceRetry(socketTimeout bool) {
	s.Sequence++
	if s.Mode == ReadModeLinearize && !socketTimeout {
		s.SequenceSC++
	}
}

// CloneForChild returns a selector with this selector's policy
// configuration but fresh sequence state, so concurrent batch
// sub-commands advance their replica rows independently.
func (s *Selector) CloneForChild() *Selector {
	return &Selector{
		Policy:      s.Policy,
		Mode:        s.Mode,
		SCNamespace: s.SCNamespace,
		RackIDs:     s.RackIDs,
	}
}

// Select picks a node for key from parts, per the effective replica
// policy. It returns ErrInvalidNode once every replica row has been
// tried and none yields an active node.
func (c *Cluster) Select(parts *partition.Partitions, key Key, sel *Selector) (*node.Node, error) {
	partID := key.PartitionID()
	policy := sel.effectivePolicy()

	for attempt := 0; attempt < parts.ReplicaCount; attempt++ {
		var candidate partition.NodeRef
		switch policy {
		case PolicyMaster:
			candidate = parts.Replicas[0][partID]
		case PolicyMasterProles:
			row := int(c.mprRR.Add(1)-1) % parts.ReplicaCount
			candidate = parts.Replicas[row][partID]
		case PolicySequence:
			row := sel.sequence() % parts.ReplicaCount
			candidate = parts.Replicas[row][partID]
		case PolicyPreferRack:
			candidate = c.selectPreferRack(parts, partID, sel)
		case PolicyRandom:
			candidate = c.selectRandom()
		default:
			candidate = parts.Replicas[0][partID]
		}

		if n, ok := candidate.(*node.Node); ok && n != nil && n.IsActive() {
			n.IncRef()
			sel.prevNode = n
			return n, nil
		}
		sel.advanceMiss()
	}
	return nil, &ErrInvalidNode{Namespace: parts.Namespace, Partition: partID}
}

// selectPreferRack iterates the caller's rack ids in order; for each rack,
// scans replica rows starting at sequence, preferring a node on that rack
// that differs from the previous node, then the best off-rack node, then
// the previous node if nothing else is available.
func (c *Cluster) selectPreferRack(parts *partition.Partitions, partID int, sel *Selector) partition.NodeRef {
	var bestOffRack partition.NodeRef

	for _, rackID := range sel.RackIDs {
		for i := 0; i < parts.ReplicaCount; i++ {
			row := (sel.sequence() + i) % parts.ReplicaCount
			cand, ok := parts.Replicas[row][partID].(*node.Node)
			if !ok || cand == nil || !cand.IsActive() {
				continue
			}
			id, hasRack := cand.RackID(parts.Namespace)
			if hasRack && id == rackID {
				if cand != sel.prevNode {
					return cand
				}
				continue
			}
			if bestOffRack == nil {
				bestOffRack = cand
			}
		}
	}
	if bestOffRack != nil {
		return bestOffRack
	}
	if sel.prevNode != nil && sel.prevNode.IsActive() {
		return sel.prevNode
	}
	return nil
}

// selectRandom picks any active node cluster-wide by a rotating index.
func (c *Cluster) selectRandom() *node.Node {
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	start := int(c.randRR.Add(1)-1) % len(nodes)
	for i := 0; i < len(nodes); i++ {
		n := nodes[(start+i)%len(nodes)]
		if n.IsActive() {
			return n
		}
	}
	return nil
}

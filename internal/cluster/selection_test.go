package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardkv/goclient/internal/auth"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/partition"
)

func testCreds() auth.Credentials { return auth.Credentials{Username: "u", Password: "p"} }
func testHasher() auth.Hasher     { return auth.NewPBKDF2Hasher() }

func testDialer(name string) func(ctx context.Context) (*connection.Connection, error) {
	return func(ctx context.Context) (*connection.Connection, error) {
		client, _ := net.Pipe()
		return connection.New(client, name, nil), nil
	}
}

func newTestNode(name string) *node.Node {
	return node.New(node.Config{
		Name: name, Host: "127.0.0.1", Port: 3000,
		ConnPoolsPerNode: 1, MinConns: 0, MaxConns: 4,
		IdleTimeout: time.Minute, Dial: testDialer(name),
	})
}

func newParts(namespace string, replicaCount int, owners ...*node.Node) *partition.Partitions {
	p := partition.New(namespace, replicaCount, false)
	for r, owner := range owners {
		if owner != nil {
			p.SetOwner(r, 0, 1, owner)
		}
	}
	return p
}

func keyForPartition0() Key {
	return Key{Namespace: "ns1"}
}

func TestSelectMasterReturnsRow0(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	master := newTestNode("master")
	prole := newTestNode("prole")
	parts := newParts("ns1", 2, master, prole)

	sel := &Selector{Policy: PolicyMaster}
	n, err := c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Errorf("expected master, got %v", n.Name())
	}
}

func TestSelectSequenceWrapsAndAdvances(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	master := newTestNode("master")
	prole := newTestNode("prole")
	parts := newParts("ns1", 2, master, prole)

	sel := &Selector{Policy: PolicySequence}
	n, err := c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Fatalf("sequence 0 should pick row 0 (master), got %v", n.Name())
	}
	if sel.Sequence != 0 {
		t.Errorf("a successful selection must not advance the sequence, got %d", sel.Sequence)
	}

	sel.AdvanceRetry(false)
	if sel.Sequence != 1 {
		t.Fatalf("expected sequence advanced to 1 after a retry, got %d", sel.Sequence)
	}
	n, err = c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != prole {
		t.Fatalf("sequence 1 should pick row 1 (prole), got %v", n.Name())
	}

	sel.AdvanceRetry(false)
	n, err = c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Errorf("sequence 2 should wrap back to row 0 (master), got %v", n.Name())
	}
}

func TestSelectSkipsInactiveAndLandsOnLiveRow(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	dead := newTestNode("dead")
	dead.MarkInactive()
	alive := newTestNode("alive")
	parts := newParts("ns1", 2, dead, alive)

	sel := &Selector{Policy: PolicySequence}
	n, err := c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != alive {
		t.Errorf("expected selector to skip the dead master and land on the live prole, got %v", n.Name())
	}
}

func TestSelectInvalidNodeWhenAllRowsMiss(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	parts := newParts("ns1", 2) // no owners set anywhere

	sel := &Selector{Policy: PolicySequence}
	_, err := c.Select(parts, keyForPartition0(), sel)
	if err == nil {
		t.Fatal("expected ErrInvalidNode when every replica row is unowned")
	}
	if _, ok := err.(*ErrInvalidNode); !ok {
		t.Errorf("expected *ErrInvalidNode, got %T: %v", err, err)
	}
}

func TestSelectLinearizeForcesSequence(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	master := newTestNode("master")
	prole := newTestNode("prole")
	parts := newParts("ns1", 2, master, prole)

	sel := &Selector{Policy: PolicyMasterProles, Mode: ReadModeLinearize}
	if sel.effectivePolicy() != PolicySequence {
		t.Fatal("LINEARIZE read mode must force SEQUENCE semantics regardless of configured policy")
	}
	n, err := c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Errorf("expected sequence-0 to pick the master, got %v", n.Name())
	}
}

func TestPreferRackPicksMatchingRackOverOffRack(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	offRack := newTestNode("off")
	onRack := newTestNode("on")
	onRack.SetRacks(map[string]int{"ns1": 1})
	parts := newParts("ns1", 2, offRack, onRack)

	sel := &Selector{Policy: PolicyPreferRack, RackIDs: []int{1}}
	candidate := c.selectPreferRack(parts, 0, sel)
	got, _ := candidate.(*node.Node)
	if got != onRack {
		t.Errorf("expected on-rack node preferred, got %v", candidate)
	}
}

func TestPreferRackFallsBackToOffRackThenPrevious(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	offRack := newTestNode("off")
	parts := newParts("ns1", 1, offRack)

	sel := &Selector{Policy: PolicyPreferRack, RackIDs: []int{1}}
	candidate := c.selectPreferRack(parts, 0, sel)
	got, _ := candidate.(*node.Node)
	if got != offRack {
		t.Errorf("expected fallback to the only off-rack node, got %v", candidate)
	}
}

func TestLinearizeSocketTimeoutKeepsReplicaRow(t *testing.T) {
	c := New(DefaultPolicy(), nil, testCreds(), testHasher(), nil)
	master := newTestNode("master")
	prole := newTestNode("prole")
	parts := newParts("ns1", 2, master, prole)

	sel := &Selector{Policy: PolicySequence, Mode: ReadModeLinearize}
	n, err := c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Fatalf("first linearize attempt should pick the master, got %v", n.Name())
	}

	// A socket-timeout retry advances the AP counter but not the
	// strong-consistency counter, so the read stays on the same row.
	sel.AdvanceRetry(true)
	if sel.Sequence != 1 || sel.SequenceSC != 0 {
		t.Fatalf("after a socket-timeout retry: Sequence=%d SequenceSC=%d, want 1 and 0", sel.Sequence, sel.SequenceSC)
	}
	n, err = c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != master {
		t.Errorf("a linearize read retried after a socket timeout must stay on the master, got %v", n.Name())
	}

	// A non-timeout retry advances both counters and moves the row.
	sel.AdvanceRetry(false)
	if sel.SequenceSC != 1 {
		t.Fatalf("after a non-timeout retry: SequenceSC=%d, want 1", sel.SequenceSC)
	}
	n, err = c.Select(parts, keyForPartition0(), sel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != prole {
		t.Errorf("a non-timeout linearize retry must advance to the prole, got %v", n.Name())
	}
}

func TestNonLinearizeRetryNeverMovesSCCounter(t *testing.T) {
	sel := &Selector{Policy: PolicySequence}
	sel.AdvanceRetry(false)
	sel.AdvanceRetry(true)
	if sel.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", sel.Sequence)
	}
	if sel.SequenceSC != 0 {
		t.Errorf("SequenceSC = %d, want 0 outside LINEARIZE mode", sel.SequenceSC)
	}
}

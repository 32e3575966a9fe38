package command

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shardkv/goclient/internal/auth"
	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/partition"
	"github.com/shardkv/goclient/internal/recovery"
	"github.com/shardkv/goclient/internal/wire"
)

func pairDialer(servers chan net.Conn) func(ctx context.Context) (*connection.Connection, error) {
	return func(ctx context.Context) (*connection.Connection, error) {
		client, server := net.Pipe()
		servers <- server
		return connection.New(client, "n1", nil), nil
	}
}

func newCmdTestNode(servers chan net.Conn) *node.Node {
	return node.New(node.Config{
		Name: "n1", Host: "127.0.0.1", Port: 3000,
		ConnPoolsPerNode: 1, MinConns: 0, MaxConns: 4,
		IdleTimeout: time.Minute, Dial: pairDialer(servers),
	})
}

func publishOneNode(cl *cluster.Cluster, ns string, n *node.Node) {
	next := cl.Topology().CloneCurrent()
	parts := partition.New(ns, 1, false)
	parts.SetOwner(0, 0, 1, n)
	next[ns] = parts
	cl.Topology().Publish(next)
}

func keyForPartition0() cluster.Key { return cluster.Key{Namespace: "ns1"} }

func TestExecuteSucceedsFirstTry(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)
	cl := cluster.New(cluster.DefaultPolicy(), nil, auth.Credentials{}, auth.NewPBKDF2Hasher(), nil)
	publishOneNode(cl, "ns1", n)

	go func() {
		server := <-servers
		hdrBuf := make([]byte, wire.HeaderSize)
		io.ReadFull(server, hdrBuf)
		hdr, _ := wire.DecodeHeader(hdrBuf)
		io.ReadFull(server, make([]byte, hdr.Length))
		server.Write(wire.Frame(wire.VersionMessage, wire.TypeAsMsg, []byte("ok")))
	}()

	sel := &cluster.Selector{Policy: cluster.PolicyMaster}
	pol := Policy{MaxRetries: 2, TotalTimeout: time.Second, SocketTimeout: time.Second}
	result, err := Execute(context.Background(), cl, "ns1", keyForPartition0(), sel, pol,
		func() []byte { return []byte("req") },
		func(hdr wire.Header, body []byte) (any, error) { return string(body), nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want \"ok\"", result)
	}
}

func TestExecuteUnknownNamespaceFailsImmediately(t *testing.T) {
	cl := cluster.New(cluster.DefaultPolicy(), nil, auth.Credentials{}, auth.NewPBKDF2Hasher(), nil)
	sel := &cluster.Selector{Policy: cluster.PolicyMaster}
	pol := Policy{MaxRetries: 3, TotalTimeout: time.Second, SocketTimeout: time.Second}

	_, err := Execute(context.Background(), cl, "missing", keyForPartition0(), sel, pol,
		func() []byte { return nil },
		func(hdr wire.Header, body []byte) (any, error) { return nil, nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err == nil {
		t.Fatal("expected an error for an unknown namespace")
	}
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
}

func TestExecuteRetriesThenFailsAfterMaxRetries(t *testing.T) {
	servers := make(chan net.Conn, 3)
	n := newCmdTestNode(servers)
	cl := cluster.New(cluster.DefaultPolicy(), nil, auth.Credentials{}, auth.NewPBKDF2Hasher(), nil)
	publishOneNode(cl, "ns1", n)

	// MaxRetries=2 below means exactly three attempts (iterations 0,1,2).
	// Every dialed server immediately closes, so every write fails and the
	// command keeps retrying until it exhausts its retry budget.
	go func() {
		for i := 0; i < 3; i++ {
			server := <-servers
			server.Close()
		}
	}()

	sel := &cluster.Selector{Policy: cluster.PolicyMaster}
	pol := Policy{MaxRetries: 2, TotalTimeout: time.Second, SocketTimeout: 100 * time.Millisecond}
	_, err := Execute(context.Background(), cl, "ns1", keyForPartition0(), sel, pol,
		func() []byte { return []byte("req") },
		func(hdr wire.Header, body []byte) (any, error) { return nil, nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err == nil {
		t.Fatal("expected the command to fail once retries are exhausted")
	}
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if cmdErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (maxRetries=2 means iterations 0,1,2)", cmdErr.Attempts)
	}
}

func TestExecuteWriteFailureMarksInDoubtOnlyForWrites(t *testing.T) {
	servers := make(chan net.Conn, 2)
	n := newCmdTestNode(servers)
	cl := cluster.New(cluster.DefaultPolicy(), nil, auth.Credentials{}, auth.NewPBKDF2Hasher(), nil)
	publishOneNode(cl, "ns1", n)

	// MaxRetries=1 below means exactly two attempts (iterations 0 and 1);
	// each dial reads only the request's 8-byte header and never answers,
	// so every write times out after part of the frame was sent.
	go func() {
		for i := 0; i < 2; i++ {
			server := <-servers
			hdrBuf := make([]byte, wire.HeaderSize)
			if _, err := io.ReadFull(server, hdrBuf); err != nil {
				server.Close()
				continue
			}
		}
	}()

	sel := &cluster.Selector{Policy: cluster.PolicyMaster}
	pol := Policy{MaxRetries: 1, TotalTimeout: 300 * time.Millisecond, SocketTimeout: 20 * time.Millisecond, IsWrite: true}
	_, err := Execute(context.Background(), cl, "ns1", keyForPartition0(), sel, pol,
		func() []byte { return []byte("req") },
		func(hdr wire.Header, body []byte) (any, error) { return nil, nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err == nil {
		t.Fatal("expected the command to fail once every attempt times out")
	}
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !cmdErr.InDoubt {
		t.Error("a write that sent part of its request frame before timing out must be marked in-doubt")
	}
}

func TestIsRetryableClassifiesServerCodes(t *testing.T) {
	if !isRetryable(nil, ResultTimeout) {
		t.Error("ResultTimeout with no transport error should be retryable")
	}
	if !isRetryable(nil, ResultDeviceOverload) {
		t.Error("ResultDeviceOverload with no transport error should be retryable")
	}
	if isRetryable(nil, ResultOK) {
		t.Error("ResultOK with no error should not be retryable")
	}
	if isRetryable(nil, ResultOther) {
		t.Error("ResultOther with no transport error should not be retryable")
	}
}

func TestIsRetryableClassifiesTransportErrors(t *testing.T) {
	if !isRetryable(context.DeadlineExceeded, ResultOther) {
		t.Error("context.DeadlineExceeded should be retryable")
	}
	if !isRetryable(io.EOF, ResultOther) {
		t.Error("io.EOF should be retryable")
	}
	if isRetryable(errors.New("decode failed"), ResultOther) {
		t.Error("a plain application error should not be retryable")
	}
}

func TestClassifyMapsTimeoutsToResultTimeout(t *testing.T) {
	if classify(context.DeadlineExceeded) != ResultTimeout {
		t.Error("context.DeadlineExceeded should classify as ResultTimeout")
	}
	if classify(errors.New("boom")) != ResultOther {
		t.Error("a non-timeout error should classify as ResultOther")
	}
}

func TestRecoverOrCloseHandsOffOnTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := connection.New(client, "n1", nil)

	_, err := conn.ReadHeader(time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout reading from an idle pipe")
	}

	drainer := recovery.NewDrainer(time.Hour)
	defer drainer.Stop()

	pol := Policy{Recovery: drainer, RecoveryDelay: time.Second}
	recoverOrClose(conn, pol, recovery.StateReadHeader, wire.HeaderSize, false, err)

	if conn.State() == connection.StateClosed {
		t.Error("a timeout with a configured recovery queue should hand the connection to the drainer, not close it")
	}
}

func TestRecoverOrCloseClosesWithoutRecoveryQueue(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := connection.New(client, "n1", nil)

	_, err := conn.ReadHeader(time.Millisecond)

	recoverOrClose(conn, Policy{}, recovery.StateReadHeader, wire.HeaderSize, false, err)
	if conn.State() != connection.StateClosed {
		t.Error("without a recovery queue, a timed-out connection must be closed outright")
	}
}

func TestRecoverOrCloseClosesOnNonTimeoutError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := connection.New(client, "n1", nil)

	drainer := recovery.NewDrainer(time.Hour)
	defer drainer.Stop()

	pol := Policy{Recovery: drainer, RecoveryDelay: time.Second}
	recoverOrClose(conn, pol, recovery.StateReadHeader, wire.HeaderSize, false, errors.New("boom"))
	if conn.State() != connection.StateClosed {
		t.Error("a non-timeout error must close the connection, never hand it to the drainer")
	}
}

func TestExecuteNodeSingleAttemptAgainstFixedNode(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)

	go func() {
		server := <-servers
		hdrBuf := make([]byte, wire.HeaderSize)
		io.ReadFull(server, hdrBuf)
		hdr, _ := wire.DecodeHeader(hdrBuf)
		io.ReadFull(server, make([]byte, hdr.Length))
		server.Write(wire.Frame(wire.VersionMessage, wire.TypeAsMsg, []byte("sub-ok")))
	}()

	pol := Policy{SocketTimeout: time.Second}
	result, err := ExecuteNode(context.Background(), n, pol,
		func() []byte { return []byte("req") },
		func(hdr wire.Header, body []byte) (any, error) { return string(body), nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "sub-ok" {
		t.Errorf("result = %v, want \"sub-ok\"", result)
	}
}

func TestExecuteNodeFailsWithoutRetrying(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)

	go func() {
		server := <-servers
		server.Close()
	}()

	pol := Policy{SocketTimeout: 100 * time.Millisecond}
	_, err := ExecuteNode(context.Background(), n, pol,
		func() []byte { return []byte("req") },
		func(hdr wire.Header, body []byte) (any, error) { return nil, nil },
		wire.VersionMessage, wire.TypeAsMsg)
	if err == nil {
		t.Fatal("expected a write failure against a closed peer")
	}
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if cmdErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (ExecuteNode never retries)", cmdErr.Attempts)
	}
	if !Retryable(err) {
		t.Error("a closed-socket write failure should classify as retryable for the caller's own retry loop")
	}
}

func TestRetryableRejectsApplicationErrors(t *testing.T) {
	if Retryable(errors.New("decode failed")) {
		t.Error("a plain application error should not be retryable")
	}
	if !Retryable(io.ErrUnexpectedEOF) {
		t.Error("a short read should be retryable")
	}
}

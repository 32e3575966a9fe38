package async

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/node"
	"github.com/shardkv/goclient/internal/recovery"
	"github.com/shardkv/goclient/internal/wire"
)

// pairDialer hands back one net.Pipe client end per dial, pushing the
// matching server end onto servers so the test can drive it.
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

type fakeListener struct {
	DefaultListener
	successFn func(any)
	failFn    func(error, State)
}

func (f fakeListener) OnSuccess(result any) {
	if f.successFn != nil {
		f.successFn(result)
	}
}

func (f fakeListener) OnFailure(err error, st State) {
	if f.failFn != nil {
		f.failFn(err, st)
	}
}

func TestAttemptOnceSuccessReturnsDecodedResult(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)

	c := &Command{
		state:         NewStateBox(),
		encode:        func() []byte { return []byte("ping") },
		decode:        func(hdr wire.Header, body []byte) (any, error) { return string(body), nil },
		socketTimeout: time.Second,
		version:       wire.VersionMessage,
		ftype:         wire.TypeAsMsg,
	}

	go func() {
		server := <-servers
		hdrBuf := make([]byte, wire.HeaderSize)
		io.ReadFull(server, hdrBuf)
		hdr, _ := wire.DecodeHeader(hdrBuf)
		body := make([]byte, hdr.Length)
		io.ReadFull(server, body)
		server.Write(wire.Frame(wire.VersionMessage, wire.TypeAsMsg, []byte("pong")))
	}()

	result, retry, err := c.attemptOnce(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retry {
		t.Error("a successful attempt must not be marked retryable")
	}
	if result != "pong" {
		t.Errorf("result = %v, want \"pong\"", result)
	}
}

func TestAttemptOnceWriteErrorIsRetryable(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)

	c := &Command{
		state:         NewStateBox(),
		encode:        func() []byte { return []byte("x") },
		socketTimeout: time.Second,
	}

	go func() {
		server := <-servers
		server.Close()
	}()
	time.Sleep(5 * time.Millisecond)

	_, retry, err := c.attemptOnce(n)
	if err == nil {
		t.Fatal("expected a write error against a closed peer")
	}
	if !retry {
		t.Error("a write/connection error should be retryable")
	}
}

func TestAttemptOnceDecodeErrorClosesConnectionAndIsNotRetryable(t *testing.T) {
	servers := make(chan net.Conn, 1)
	n := newCmdTestNode(servers)

	c := &Command{
		state:         NewStateBox(),
		encode:        func() []byte { return []byte("ping") },
		decode:        func(hdr wire.Header, body []byte) (any, error) { return nil, errors.New("bad payload") },
		socketTimeout: time.Second,
		version:       wire.VersionMessage,
		ftype:         wire.TypeAsMsg,
	}

	go func() {
		server := <-servers
		hdrBuf := make([]byte, wire.HeaderSize)
		io.ReadFull(server, hdrBuf)
		hdr, _ := wire.DecodeHeader(hdrBuf)
		io.ReadFull(server, make([]byte, hdr.Length))
		server.Write(wire.Frame(wire.VersionMessage, wire.TypeAsMsg, []byte("junk")))
	}()

	_, retry, err := c.attemptOnce(n)
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if retry {
		t.Error("an application-level decode failure is not retryable")
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

	c := &Command{recoveryQ: drainer, recoveryDelay: time.Second}
	c.recoverOrClose(conn, recovery.StateReadHeader, wire.HeaderSize, false, err)

	if conn.State() == connection.StateClosed {
		t.Error("a timeout with a configured recovery queue should hand the connection to the drainer, not close it")
	}
}

func TestRecoverOrCloseClosesWithoutRecoveryQueue(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := connection.New(client, "n1", nil)

	_, err := conn.ReadHeader(time.Millisecond)

	c := &Command{}
	c.recoverOrClose(conn, recovery.StateReadHeader, wire.HeaderSize, false, err)

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

	c := &Command{recoveryQ: drainer, recoveryDelay: time.Second}
	c.recoverOrClose(conn, recovery.StateReadHeader, wire.HeaderSize, false, errors.New("boom"))

	if conn.State() != connection.StateClosed {
		t.Error("a non-timeout error must close the connection, never hand it to the drainer")
	}
}

func TestIsTimeoutErrRecognizesDeadlineExceeded(t *testing.T) {
	if !isTimeoutErr(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should be recognized as a timeout")
	}
	if isTimeoutErr(errors.New("not a timeout")) {
		t.Error("a generic error should not be recognized as a timeout")
	}
}

func TestCheckTimeoutFailsOnceDeadlinePasses(t *testing.T) {
	failed := make(chan State, 1)
	c := &Command{
		state:         NewStateBox(),
		totalDeadline: time.Now().Add(-time.Millisecond),
		listener:      fakeListener{failFn: func(err error, st State) { failed <- st }},
	}

	if keep := c.CheckTimeout(time.Now()); keep {
		t.Error("CheckTimeout should report false once it has expired the command")
	}
	select {
	case st := <-failed:
		if st != StateFailTotalTimeout {
			t.Errorf("OnFailure state = %v, want StateFailTotalTimeout", st)
		}
	default:
		t.Fatal("expected OnFailure to be invoked exactly once")
	}
	if c.state.Load() != StateFailTotalTimeout {
		t.Errorf("state = %v, want StateFailTotalTimeout", c.state.Load())
	}
}

func TestCheckTimeoutIsNoOpOnceTerminal(t *testing.T) {
	c := &Command{state: NewStateBox()}
	c.state.TryTransition(StateSuccess)
	if keep := c.CheckTimeout(time.Now().Add(time.Hour)); keep {
		t.Error("a terminal command should report false immediately, not be kept in the timeout list")
	}
}

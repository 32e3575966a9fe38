package connection

import (
	"net"
	"testing"
	"time"

	"github.com/shardkv/goclient/internal/wire"
)

type fakeReturner struct {
	returned *Connection
}

func (f *fakeReturner) Return(c *Connection) { f.returned = c }

func TestStateTransitions(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, "node1", nil)
	if c.State() != StateIdle {
		t.Fatalf("new connection should be idle, got %v", c.State())
	}

	c.MarkActive()
	if c.State() != StateActive {
		t.Errorf("expected active, got %v", c.State())
	}

	c.MarkIdle()
	if c.State() != StateIdle {
		t.Errorf("expected idle, got %v", c.State())
	}

	if c.NodeName() != "node1" {
		t.Errorf("NodeName() = %q, want node1", c.NodeName())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, "node1", nil)
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %v", c.State())
	}
}

func TestReturnWithoutOwnerCloses(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, "node1", nil)
	c.Return()
	if c.State() != StateClosed {
		t.Errorf("expected Return with no owner to close the connection, got %v", c.State())
	}
}

func TestReturnWithOwnerDelegates(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	owner := &fakeReturner{}
	c := New(client, "node1", owner)
	c.Return()
	if owner.returned != c {
		t.Error("expected Return to delegate to owner")
	}
	if c.State() == StateClosed {
		t.Error("owner-backed Return should not close the connection itself")
	}
}

func TestIsCurrentAndExpired(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := New(client, "node1", nil)
	if !c.IsCurrent(time.Minute) {
		t.Error("freshly created connection should be current")
	}
	if !c.IsCurrent(0) {
		t.Error("zero idle timeout should always report current")
	}
	if c.IsExpired(time.Hour) {
		t.Error("freshly created connection should not be expired")
	}
	if c.IsExpired(0) {
		t.Error("zero max lifetime should never expire")
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(client, "node1", nil)

	done := make(chan error, 1)
	go func() {
		done <- c.WriteFrame(wire.VersionInfo, wire.TypeInfo, []byte("ping"), time.Second)
	}()

	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(server, hdrBuf); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if hdr.Type != wire.TypeInfo {
		t.Errorf("type = %d, want %d", hdr.Type, wire.TypeInfo)
	}

	body := make([]byte, hdr.Length)
	if _, err := readFull(server, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "ping" {
		t.Errorf("body = %q, want %q", body, "ping")
	}

	if err := <-done; err != nil {
		t.Fatalf("WriteFrame returned error: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

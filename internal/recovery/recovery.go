// Package recovery implements connection recovery after a synchronous
// read times out mid-response: the rest of the stalled response is
// consumed in the background so the socket can return to its pool
// instead of being closed and redialed.
package recovery

import (
	"io"
	"sync"
	"time"

	"github.com/shardkv/goclient/internal/connection"
	"github.com/shardkv/goclient/internal/wire"
)

// ReadState is where in the response frame the timed-out read was
// sitting.
type ReadState int

const (
	StateReadAuthHeader ReadState = iota
	StateReadHeader
	StateReadDetail
)

// drainSocketTimeout is the short deadline used for each drain attempt.
const drainSocketTimeout = time.Millisecond

// Recovery captures one stalled read's progress so a background drainer
// can keep consuming the response until it catches up (or gives up and
// abandons the connection).
type Recovery struct {
	conn         *connection.Connection
	state        ReadState
	bytesRead    int
	targetLength int
	multiRecord  bool
	compressed   bool
	lastGroup    bool
	started      time.Time
	timeoutDelay time.Duration

	mu       sync.Mutex
	finished bool
}

// New captures the state of a read that just timed out.
func New(conn *connection.Connection, state ReadState, bytesRead, targetLength int, multiRecord, compressed bool, timeoutDelay time.Duration) *Recovery {
	return &Recovery{
		conn:         conn,
		state:        state,
		bytesRead:    bytesRead,
		targetLength: targetLength,
		multiRecord:  multiRecord,
		compressed:   compressed,
		started:      time.Now(),
		timeoutDelay: timeoutDelay,
	}
}

// Outcome reports what Drain decided.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeRecovered
	OutcomeAbandoned
)

// Drain attempts to finish reading the stalled response using a 1 ms
// socket timeout, returning the connection to its pool on success. A
// compressed multi-record response cannot be drained group-by-group
// (there is no per-group boundary once compressed) and is abandoned
// immediately.
func (r *Recovery) Drain() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return OutcomeAbandoned
	}

	if r.compressed && r.multiRecord {
		r.finished = true
		r.conn.Close()
		return OutcomeAbandoned
	}

	if time.Since(r.started) > r.timeoutDelay {
		r.finished = true
		r.conn.Close()
		return OutcomeAbandoned
	}

	if r.state == StateReadAuthHeader || r.state == StateReadHeader {
		hdr, err := r.conn.ReadHeader(drainSocketTimeout)
		if err != nil {
			if isTimeout(err) {
				return OutcomeRetry
			}
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
		r.state = StateReadDetail
		r.bytesRead = 0
		r.targetLength = int(hdr.Length)
		if hdr.Type == wire.TypeCompressed {
			r.compressed = true
		}
		// The body is not drained yet — report progress and let the next
		// sweep pick up from StateReadDetail, rather than declaring
		// victory with the response body still on the wire.
		return OutcomeRetry
	}

	if r.multiRecord {
		return r.drainGroups()
	}
	if out := r.drainBody(); out != OutcomeRecovered {
		return out
	}
	r.finished = true
	r.conn.MarkIdle()
	r.conn.Return()
	return OutcomeRecovered
}

// drainBody discards the rest of the current frame body, tracking how
// far it got so a timed-out attempt resumes where it left off.
func (r *Recovery) drainBody() Outcome {
	for r.remaining() > 0 {
		n, err := r.conn.DrainN(r.remaining(), drainSocketTimeout)
		r.bytesRead += n
		if err != nil {
			if isTimeout(err) {
				return OutcomeRetry
			}
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
	}
	return OutcomeRecovered
}

// drainGroups consumes one record group (frame) at a time until a group
// whose leading record header carries the INFO3_LAST bit has been fully
// drained. The group that was mid-read when the timeout hit is drained
// blind: its record headers were already consumed by the command, so the
// terminator can only be observed on a subsequent group.
func (r *Recovery) drainGroups() Outcome {
	for {
		if out := r.drainBody(); out != OutcomeRecovered {
			return out
		}
		if r.lastGroup {
			r.finished = true
			r.conn.MarkIdle()
			r.conn.Return()
			return OutcomeRecovered
		}

		hdr, err := r.conn.ReadHeader(drainSocketTimeout)
		if err != nil {
			if isTimeout(err) {
				return OutcomeRetry
			}
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
		if hdr.Type == wire.TypeCompressed {
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
		r.bytesRead = 0
		r.targetLength = int(hdr.Length)
		if r.targetLength < wire.RecordHeaderSize {
			continue // group too short to carry a record header; keep draining
		}

		hdrBuf, err := r.conn.ReadBody(wire.RecordHeaderSize, drainSocketTimeout)
		if err != nil {
			if isTimeout(err) {
				return OutcomeRetry
			}
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
		r.bytesRead = wire.RecordHeaderSize
		rh, err := wire.DecodeRecordHeader(hdrBuf)
		if err != nil {
			r.finished = true
			r.conn.Close()
			return OutcomeAbandoned
		}
		if rh.IsLastGroup() {
			r.lastGroup = true
		}
	}
}

func (r *Recovery) remaining() int {
	n := r.targetLength - r.bytesRead
	if n < 0 {
		return 0
	}
	return n
}

func isTimeout(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	if te, ok := err.(timeoutErr); ok {
		return te.Timeout()
	}
	return err == io.EOF
}

// Drainer periodically calls Drain on every outstanding Recovery until it
// finishes, one way or another.
type Drainer struct {
	mu      sync.Mutex
	pending []*Recovery
	stopCh  chan struct{}
	once    sync.Once
}

// NewDrainer starts the background sweep goroutine at the given interval.
func NewDrainer(interval time.Duration) *Drainer {
	d := &Drainer{stopCh: make(chan struct{})}
	go d.run(interval)
	return d
}

// Add registers a stalled read for periodic draining.
func (d *Drainer) Add(r *Recovery) {
	d.mu.Lock()
	d.pending = append(d.pending, r)
	d.mu.Unlock()
}

func (d *Drainer) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Drainer) sweep() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	var live []*Recovery
	for _, r := range batch {
		if r.Drain() == OutcomeRetry {
			live = append(live, r)
		}
	}

	if len(live) > 0 {
		d.mu.Lock()
		d.pending = append(live, d.pending...)
		d.mu.Unlock()
	}
}

// Stop halts the background sweep. Idempotent.
func (d *Drainer) Stop() {
	d.once.Do(func() { close(d.stopCh) })
}

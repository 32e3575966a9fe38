package async

import (
	"container/list"
	"sync"
	"time"
)

// Expirable is anything the timeout queue can check and, on expiry, act
// on. CheckTimeout either keeps the entry in the list, drops it, or
// performs its own expiry side effect (e.g. closing a connection).
type Expirable interface {
	// CheckTimeout is called once per tick; it returns false once the
	// entry should be removed from the list (either because the command
	// finished on its own, or because this call just expired it).
	CheckTimeout(now time.Time) (keep bool)
}

// TimeoutQueue is the singleton background thread servicing every async
// command's total/socket deadlines. Producers enqueue through Register;
// a single goroutine walks an intrusive list once per tick no faster
// than MinInterval.
type TimeoutQueue struct {
	MinInterval time.Duration

	mu      sync.Mutex
	l       *list.List
	pending chan Expirable
	stopCh  chan struct{}
	once    sync.Once
}

// NewTimeoutQueue starts the background drain/walk goroutine.
func NewTimeoutQueue(minInterval time.Duration) *TimeoutQueue {
	if minInterval < 5*time.Millisecond {
		minInterval = 5 * time.Millisecond
	}
	q := &TimeoutQueue{
		MinInterval: minInterval,
		l:           list.New(),
		pending:     make(chan Expirable, 1024),
		stopCh:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Register enqueues a command for timeout tracking.
func (q *TimeoutQueue) Register(e Expirable) {
	select {
	case q.pending <- e:
	case <-q.stopCh:
	}
}

// Stop halts the background goroutine. Idempotent.
func (q *TimeoutQueue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
}

func (q *TimeoutQueue) run() {
	ticker := time.NewTicker(q.MinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case e := <-q.pending:
			q.mu.Lock()
			q.l.PushBack(e)
			q.mu.Unlock()
		case now := <-ticker.C:
			q.walk(now)
		}
	}
}

// walk visits every entry once; an entry whose CheckTimeout returns false
// is removed. The list holds a strong reference to each command, so a
// completed command stays reachable from this queue until the first walk
// after it finishes removes it.
func (q *TimeoutQueue) walk(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(Expirable)
		if !entry.CheckTimeout(now) {
			q.l.Remove(e)
		}
		e = next
	}

	// drain any newly registered entries that arrived mid-walk without
	// blocking the next tick
	for {
		select {
		case e := <-q.pending:
			q.l.PushBack(e)
		default:
			return
		}
	}
}

// Len reports the current list size (diagnostics/tests).
func (q *TimeoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

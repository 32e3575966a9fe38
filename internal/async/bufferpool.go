package async

import (
	"sync"
	"sync/atomic"
)

// Segment is one command slot's view into the shared buffer, or a
// standalone allocation for oversized responses.
type Segment struct {
	buf        []byte
	generation uint64
	offPool    bool
	slot       int // index into the pool's backing buffer; unused if offPool
}

// Bytes returns the segment's backing slice, truncated or grown to n.
// Growing past the segment's capacity moves only this segment's view to
// a standalone allocation; the slot's backing range stays with the pool,
// so Release still returns the original slot and the oversize buffer is
// left to the collector.
func (s *Segment) Bytes(n int) []byte {
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	return s.buf[:n]
}

// BufferPool is one large contiguous buffer divided into fixed-size
// segments, one per command slot. A segment larger than the cutoff is
// allocated off-pool and discarded after use, never returned.
type BufferPool struct {
	mu         sync.Mutex
	segSize    int
	slots      int
	generation atomic.Uint64
	backing    []byte
	free       []int // free slot indices

	// Cutoff above which a request bypasses the shared buffer entirely.
	Cutoff int
}

// NewBufferPool allocates slots segments of segSize bytes each.
func NewBufferPool(slots, segSize, cutoff int) *BufferPool {
	p := &BufferPool{
		segSize: segSize,
		slots:   slots,
		backing: make([]byte, slots*segSize),
		Cutoff:  cutoff,
	}
	p.free = make([]int, slots)
	for i := range p.free {
		p.free[i] = i
	}
	p.generation.Add(1)
	return p
}

// Acquire reserves a slot for a command needing at least need bytes. If
// need exceeds Cutoff, an off-pool segment is allocated and returned
// directly instead.
func (p *BufferPool) Acquire(need int) *Segment {
	if p.Cutoff > 0 && need > p.Cutoff {
		return &Segment{buf: make([]byte, need), offPool: true, slot: -1, generation: p.generation.Load()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A request wider than one segment can't be served from the shared
	// buffer at all; check this before popping a free slot, or the slot
	// would be discarded along with the off-pool segment and never
	// returned (Release no-ops on offPool segments).
	if need > p.segSize || len(p.free) == 0 {
		return &Segment{buf: make([]byte, need), offPool: true, slot: -1, generation: p.generation.Load()}
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	start := idx * p.segSize
	return &Segment{buf: p.backing[start : start+p.segSize : start+p.segSize], generation: p.generation.Load(), slot: idx}
}

// Release returns a segment's slot to the pool. Off-pool segments are
// simply dropped.
func (p *BufferPool) Release(seg *Segment) {
	if seg == nil || seg.offPool || seg.slot < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seg.generation != p.generation.Load() {
		return // pool was resized under us; this slot no longer belongs to backing
	}
	p.free = append(p.free, seg.slot)
}

// Resize replaces the shared buffer with a new one of the given slot
// count/size and bumps the generation so in-flight segments from the old
// buffer are dropped instead of recycled into the new one. A command
// notices the swap by re-checking its segment's generation before reuse.
func (p *BufferPool) Resize(slots, segSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segSize = segSize
	p.slots = slots
	p.backing = make([]byte, slots*segSize)
	p.free = make([]int, slots)
	for i := range p.free {
		p.free[i] = i
	}
	p.generation.Add(1)
}

// CheckGeneration reports whether seg still belongs to the pool's current
// backing buffer; a command calls this in its own SizeBuffer step before
// reusing a previously acquired segment across a retry.
func (p *BufferPool) CheckGeneration(seg *Segment) bool {
	return seg.generation == p.generation.Load()
}

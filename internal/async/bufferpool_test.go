package async

import "testing"

func TestAcquireReusesFreeSlot(t *testing.T) {
	p := NewBufferPool(2, 64, 0)
	seg := p.Acquire(32)
	if seg.offPool {
		t.Fatal("a request within segSize should come from the shared backing buffer")
	}
	buf := seg.Bytes(32)
	if len(buf) != 32 {
		t.Errorf("Bytes(32) len = %d, want 32", len(buf))
	}
	p.Release(seg)

	again := p.Acquire(16)
	if again.offPool {
		t.Error("released slot should be reusable")
	}
}

func TestAcquireAboveCutoffGoesOffPool(t *testing.T) {
	p := NewBufferPool(2, 64, 100)
	seg := p.Acquire(200)
	if !seg.offPool {
		t.Error("a request above the cutoff must allocate off-pool")
	}
	if len(seg.Bytes(200)) != 200 {
		t.Errorf("Bytes(200) len = %d, want 200", len(seg.Bytes(200)))
	}
}

func TestAcquireWhenExhaustedGoesOffPool(t *testing.T) {
	p := NewBufferPool(1, 64, 0)
	first := p.Acquire(10)
	if first.offPool {
		t.Fatal("first acquire should come from the single free slot")
	}
	second := p.Acquire(10)
	if !second.offPool {
		t.Error("acquiring with no free slots left must fall back to an off-pool allocation")
	}
}

func TestReleaseIgnoresOffPoolSegment(t *testing.T) {
	p := NewBufferPool(1, 64, 0)
	seg := p.Acquire(1000) // larger than segSize, becomes off-pool
	if !seg.offPool {
		t.Fatal("oversized request relative to segSize should go off-pool")
	}
	p.Release(seg) // must not panic or corrupt the free list
	next := p.Acquire(1)
	if next.offPool {
		t.Error("the single real slot should still be free after releasing an off-pool segment")
	}
}

func TestResizeBumpsGenerationAndDropsStaleSegments(t *testing.T) {
	p := NewBufferPool(1, 64, 0)
	seg := p.Acquire(10)
	if !p.CheckGeneration(seg) {
		t.Fatal("segment should match the pool's generation before any resize")
	}

	p.Resize(4, 128)
	if p.CheckGeneration(seg) {
		t.Error("a segment from before Resize must no longer match the new generation")
	}

	// Releasing a stale segment must be a no-op, not a corruption of the
	// freshly resized free list.
	p.Release(seg)
	fresh := p.Acquire(10)
	if fresh.offPool {
		t.Error("resized pool should still serve from its own (new) backing buffer")
	}
}

func TestBytesGrowsBeyondSegmentCapacity(t *testing.T) {
	p := NewBufferPool(1, 16, 0)
	seg := p.Acquire(8)
	buf := seg.Bytes(64) // larger than segSize: the view moves to a standalone allocation
	if len(buf) != 64 {
		t.Errorf("Bytes(64) len = %d, want 64", len(buf))
	}
	if seg.offPool {
		t.Error("growing a segment must not orphan its slot; the original slot returns to the pool on Release")
	}
	p.Release(seg)
	next := p.Acquire(8)
	if next.offPool {
		t.Error("the grown segment's original slot should be reusable after Release")
	}
}

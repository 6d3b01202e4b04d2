package pmm

import (
	"testing"

	"cowmm/kernel"
	"cowmm/kernel/mm"
)

func newTestAllocator(t *testing.T, frames uint32) (*PhysMem, *BitmapAllocator) {
	pm, err := NewPhysMem(DefaultBaseFrame, frames, BackingHeap)
	if err != nil {
		t.Fatal(err)
	}

	return pm, NewBitmapAllocator(pm)
}

func TestBitmapAllocatorAllocAndFree(t *testing.T) {
	// 70 frames exercise the partially used trailing bitmap block
	const frameCount = 70
	_, alloc := newTestAllocator(t, frameCount)

	if got := len(alloc.pool.freeBitmap); got != 2 {
		t.Fatalf("expected bitmap to use 2 blocks; got %d", got)
	}

	seen := make(map[mm.Frame]bool)
	for i := 0; i < frameCount; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if frame < DefaultBaseFrame || frame >= DefaultBaseFrame+frameCount {
			t.Fatalf("[alloc %d] allocated frame %d outside of the managed range", i, frame)
		}

		if seen[frame] {
			t.Fatalf("[alloc %d] frame %d allocated twice", i, frame)
		}
		seen[frame] = true
	}

	if got := alloc.FreeFrames(); got != 0 {
		t.Fatalf("expected 0 free frames; got %d", got)
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	for frame := range seen {
		if err := alloc.FreeFrame(frame); err != nil {
			t.Fatalf("unexpected error freeing frame %d: %v", frame, err)
		}
	}

	if exp, got := uint32(frameCount), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if exp, got := uint32(frameCount), alloc.TotalFrames(); got != exp {
		t.Fatalf("expected %d total frames; got %d", exp, got)
	}
}

func TestBitmapAllocatorReusesFreedFrames(t *testing.T) {
	_, alloc := newTestAllocator(t, 2)

	f0, _ := alloc.AllocFrame()
	if _, err := alloc.AllocFrame(); err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrame(f0); err != nil {
		t.Fatal(err)
	}

	got, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if got != f0 {
		t.Fatalf("expected freed frame %d to be reused; got %d", f0, got)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	_, alloc := newTestAllocator(t, 4)

	specs := []struct {
		frame  mm.Frame
		expErr *kernel.Error
	}{
		{DefaultBaseFrame - 1, errFrameNotManaged},
		{DefaultBaseFrame + 4, errFrameNotManaged},
		{DefaultBaseFrame, errDoubleFree},
	}

	for specIndex, spec := range specs {
		if err := alloc.FreeFrame(spec.frame); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

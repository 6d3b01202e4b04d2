package pmm

import (
	"sync/atomic"

	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

var (
	// ErrAccountingViolation is raised when the reference count of a frame
	// is about to be corrupted (e.g. a decrement of a frame that is not
	// referenced by anyone). It signals a logic bug in the kernel and is
	// always fatal.
	ErrAccountingViolation = &kernel.Error{Module: "pmm", Message: "frame reference count accounting violation"}

	// panicFn is used by tests to intercept accounting violations.
	panicFn = kfmt.Panic
)

// Registry tracks, for each physical frame, the number of virtual mappings
// that reference it. A frame handed out by Alloc starts with a count of 1 and
// is returned to the physical allocator by the Decref call that drops its
// count to 0. Address spaces never free user frames directly.
//
// Count updates are atomic per frame; no lock is held across frames.
type Registry struct {
	mem   *PhysMem
	alloc mm.FrameAllocator

	// refs[i] is the reference count of frame mem.BaseFrame()+i.
	refs []uint32
}

// NewRegistry creates a registry for the frames of pm which are handed out
// by alloc.
func NewRegistry(pm *PhysMem, alloc mm.FrameAllocator) *Registry {
	return &Registry{
		mem:   pm,
		alloc: alloc,
		refs:  make([]uint32, pm.FrameCount()),
	}
}

// Allocator returns the physical allocator used by the registry. Callers that
// need frames which are not shared between address spaces (e.g. page table
// nodes) allocate them directly from it.
func (r *Registry) Allocator() mm.FrameAllocator { return r.alloc }

// PhysMem returns the physical arena whose frames are tracked by r.
func (r *Registry) PhysMem() *PhysMem { return r.mem }

// Alloc reserves a zero-filled frame and sets its reference count to 1.
func (r *Registry) Alloc() (mm.Frame, *kernel.Error) {
	frame, err := r.reserve()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(r.mem.Bytes(frame), 0)
	return frame, nil
}

// AllocCopy reserves a frame, fills it with the contents of src and sets its
// reference count to 1. The reference count of src is not modified.
func (r *Registry) AllocCopy(src mm.Frame) (mm.Frame, *kernel.Error) {
	frame, err := r.reserve()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memcopy(r.mem.Bytes(src), r.mem.Bytes(frame))
	return frame, nil
}

func (r *Registry) reserve() (mm.Frame, *kernel.Error) {
	frame, err := r.alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	ref := r.ref(frame)
	if ref == nil || !atomic.CompareAndSwapUint32(ref, 0, 1) {
		r.violation(frame, "allocator returned a frame that is still referenced")
		return mm.InvalidFrame, ErrAccountingViolation
	}

	return frame, nil
}

// Incref raises the reference count of frame f by 1 and returns the new
// count. The frame must already be referenced; resurrecting a frame whose
// count has dropped to 0 is an accounting violation.
func (r *Registry) Incref(f mm.Frame) uint32 {
	ref := r.ref(f)
	if ref == nil {
		r.violation(f, "incref of unmanaged frame")
		return 0
	}

	for {
		old := atomic.LoadUint32(ref)
		if old == 0 {
			r.violation(f, "incref of unreferenced frame")
			return 0
		}

		if atomic.CompareAndSwapUint32(ref, old, old+1) {
			return old + 1
		}
	}
}

// Decref lowers the reference count of frame f by 1 and returns the new
// count. When the count reaches 0 the frame is returned to the physical
// allocator. Decrementing a frame with a zero count is an accounting
// violation.
func (r *Registry) Decref(f mm.Frame) uint32 {
	ref := r.ref(f)
	if ref == nil {
		r.violation(f, "decref of unmanaged frame")
		return 0
	}

	for {
		old := atomic.LoadUint32(ref)
		if old == 0 {
			r.violation(f, "decref of unreferenced frame")
			return 0
		}

		if !atomic.CompareAndSwapUint32(ref, old, old-1) {
			continue
		}

		if old == 1 {
			if err := r.alloc.FreeFrame(f); err != nil {
				r.violation(f, err.Message)
			}
		}

		return old - 1
	}
}

// Count returns the current reference count for frame f.
func (r *Registry) Count(f mm.Frame) uint32 {
	if ref := r.ref(f); ref != nil {
		return atomic.LoadUint32(ref)
	}
	return 0
}

// Bytes returns a slice aliasing the contents of frame f.
func (r *Registry) Bytes(f mm.Frame) []byte {
	return r.mem.Bytes(f)
}

// Referenced returns the number of frames with a non-zero reference count.
func (r *Registry) Referenced() int {
	var count int
	for i := range r.refs {
		if atomic.LoadUint32(&r.refs[i]) != 0 {
			count++
		}
	}
	return count
}

func (r *Registry) ref(f mm.Frame) *uint32 {
	if !r.mem.Contains(f) {
		return nil
	}
	return &r.refs[f-r.mem.BaseFrame()]
}

func (r *Registry) violation(f mm.Frame, reason string) {
	kfmt.Printf("[pmm] frame 0x%x: %s\n", uintptr(f), reason)
	panicFn(ErrAccountingViolation)
}

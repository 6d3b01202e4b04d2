package pmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
)

// Backing selects where the contents of the physical arena live.
type Backing string

const (
	// BackingMmap reserves the arena with an anonymous private mapping
	// obtained from the host.
	BackingMmap Backing = "mmap"

	// BackingHeap allocates the arena as a regular Go byte slice.
	BackingHeap Backing = "heap"
)

var (
	errBadArena       = &kernel.Error{Module: "pmm", Message: "physical arena must contain at least one frame"}
	errUnknownBacking = &kernel.Error{Module: "pmm", Message: "unknown physical arena backing"}
	errArenaMap       = &kernel.Error{Module: "pmm", Message: "unable to reserve memory for the physical arena"}

	// mapArenaFn is used by tests to override the host mapping call.
	mapArenaFn = mapArena
)

// PhysMem models a contiguous range of physical memory starting at baseFrame.
// The contents of every frame in the range are accessible through a direct
// map so the kernel can read and write frames without establishing
// temporary mappings.
type PhysMem struct {
	baseFrame  mm.Frame
	frameCount uint32
	data       []byte
	release    func() error
}

// NewPhysMem reserves frameCount frames of backing memory for frames
// [baseFrame, baseFrame+frameCount).
func NewPhysMem(baseFrame mm.Frame, frameCount uint32, backing Backing) (*PhysMem, *kernel.Error) {
	if frameCount == 0 || !baseFrame.Valid() {
		return nil, errBadArena
	}

	var (
		size = int(uintptr(frameCount) << mm.PageShift)
		pm   = &PhysMem{baseFrame: baseFrame, frameCount: frameCount}
		err  error
	)

	switch backing {
	case BackingMmap:
		if pm.data, pm.release, err = mapArenaFn(size); err != nil {
			return nil, errArenaMap
		}
	case BackingHeap:
		pm.data = make([]byte, size)
	default:
		return nil, errUnknownBacking
	}

	return pm, nil
}

// BaseFrame returns the first frame of the arena.
func (pm *PhysMem) BaseFrame() mm.Frame { return pm.baseFrame }

// FrameCount returns the number of frames in the arena.
func (pm *PhysMem) FrameCount() uint32 { return pm.frameCount }

// Contains returns true if frame f belongs to this arena.
func (pm *PhysMem) Contains(f mm.Frame) bool {
	return f >= pm.baseFrame && f < pm.baseFrame+mm.Frame(pm.frameCount)
}

// Bytes returns a PageSize-long slice that aliases the contents of frame f or
// nil if f does not belong to the arena.
func (pm *PhysMem) Bytes(f mm.Frame) []byte {
	if !pm.Contains(f) {
		return nil
	}

	offset := uintptr(f-pm.baseFrame) << mm.PageShift
	return pm.data[offset : offset+mm.PageSize : offset+mm.PageSize]
}

// Close releases the arena backing memory. The arena must not be used after
// a call to Close.
func (pm *PhysMem) Close() *kernel.Error {
	pm.data = nil
	if pm.release != nil {
		release := pm.release
		pm.release = nil
		if err := release(); err != nil {
			return errArenaMap
		}
	}

	return nil
}

package pmm

import (
	"math"
	"math/bits"

	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
	"cowmm/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free physical frames are left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not managed by this allocator"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks the reservation state of a contiguous range of frames.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64

	// nextBlock is the bitmap block where the next scan starts.
	nextBlock int
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. All methods are safe for concurrent use.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// totalPages tracks the total number of pages in the pool.
	totalPages uint32

	// reservedPages tracks the number of reserved pages.
	reservedPages uint32

	pool framePool
}

// NewBitmapAllocator returns an allocator that manages the frames of the
// supplied physical memory arena.
func NewBitmapAllocator(pm *PhysMem) *BitmapAllocator {
	var (
		alloc     = &BitmapAllocator{totalPages: pm.FrameCount()}
		pageCount = pm.FrameCount()
	)

	alloc.pool.startFrame = pm.BaseFrame()
	alloc.pool.endFrame = pm.BaseFrame() + mm.Frame(pageCount) - 1
	alloc.pool.freeCount = pageCount

	// To represent the free page bitmap we need pageCount bits rounded up
	// to a multiple of 64 bits. Bits past endFrame are permanently set so
	// they are never handed out.
	alloc.pool.freeBitmap = make([]uint64, (pageCount+63)>>6)
	if tail := pageCount & 63; tail != 0 {
		alloc.pool.freeBitmap[len(alloc.pool.freeBitmap)-1] = math.MaxUint64 << tail
	}

	return alloc
}

// AllocFrame reserves and returns a free physical frame. It returns
// ErrOutOfMemory if all frames are reserved.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	pool := &alloc.pool
	if pool.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for scanned, blockIndex := 0, pool.nextBlock; scanned < len(pool.freeBitmap); scanned, blockIndex = scanned+1, (blockIndex+1)%len(pool.freeBitmap) {
		block := pool.freeBitmap[blockIndex]
		if block == math.MaxUint64 {
			continue
		}

		bitIndex := bits.TrailingZeros64(^block)
		frame := pool.startFrame + mm.Frame(blockIndex<<6+bitIndex)
		alloc.markFrame(frame, markReserved)
		pool.nextBlock = blockIndex
		return frame, nil
	}

	// freeCount and the bitmap disagree; this can only happen if the
	// allocator state has been corrupted.
	kfmt.Printf("[pmm] bitmap allocator reports %d free frames but the bitmap is full\n", pool.freeCount)
	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if frame < alloc.pool.startFrame || frame > alloc.pool.endFrame {
		return errFrameNotManaged
	}

	if !alloc.isReserved(frame) {
		return errDoubleFree
	}

	alloc.markFrame(frame, markFree)
	return nil
}

// FreeFrames returns the number of frames that are currently available.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.totalPages - alloc.reservedPages
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalPages
}

func (alloc *BitmapAllocator) isReserved(frame mm.Frame) bool {
	relFrame := frame - alloc.pool.startFrame
	return alloc.pool.freeBitmap[relFrame>>6]&(1<<(relFrame&63)) != 0
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame. Callers must hold the allocator lock.
func (alloc *BitmapAllocator) markFrame(frame mm.Frame, flag markAs) {
	var (
		relFrame = frame - alloc.pool.startFrame
		block    = relFrame >> 6
		mask     = uint64(1 << (relFrame & 63))
	)

	switch flag {
	case markFree:
		alloc.pool.freeBitmap[block] &^= mask
		alloc.pool.freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pool.freeBitmap[block] |= mask
		alloc.pool.freeCount--
		alloc.reservedPages++
	}
}

package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
)

// userHeapFlags are the flags of pages added by Resize.
const userHeapFlags = FlagPresent | FlagRW | FlagUserAccessible

// Grow extends the address space to newSize bytes, backing every new page
// with a zero-filled frame mapped with the supplied flags. FlagPresent is
// implied; FlagCopyOnWrite is rejected since fresh frames are never shared.
//
// If a frame or page table allocation fails, all pages added by this call are
// released and the address space keeps its previous size.
func (as *AddressSpace) Grow(newSize uintptr, flags PageTableEntryFlag) *kernel.Error {
	flags |= FlagPresent
	if !flags.Valid() || flags&FlagCopyOnWrite != 0 {
		return ErrInvalidFlags
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return errDestroyed
	}
	return as.growLocked(newSize, flags)
}

func (as *AddressSpace) growLocked(newSize uintptr, flags PageTableEntryFlag) *kernel.Error {
	if newSize > MaxUserAddr {
		return errSizeTooBig
	}

	if newSize <= as.size {
		return nil
	}

	start := mm.PageRoundUp(as.size)
	for vaddr := start; vaddr < newSize; vaddr += mm.PageSize {
		frame, err := as.reg.Alloc()
		if err == nil {
			if err = as.table.Map(mm.PageFromAddress(vaddr), frame, flags); err != nil {
				as.reg.Decref(frame)
			}
		}

		if err != nil {
			as.unmapRangeLocked(start, vaddr)
			return err
		}
	}

	as.size = newSize
	return nil
}

// Shrink reduces the address space to newSize bytes, releasing the
// references held by the pages past the new end.
func (as *AddressSpace) Shrink(newSize uintptr) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return errDestroyed
	}

	as.shrinkLocked(newSize)
	return nil
}

func (as *AddressSpace) shrinkLocked(newSize uintptr) {
	if newSize >= as.size {
		return
	}

	as.unmapRangeLocked(mm.PageRoundUp(newSize), mm.PageRoundUp(as.size))
	as.size = newSize
}

// Resize moves the end of the address space by delta bytes and returns the
// previous size. New pages are zero-filled, writable and user-accessible.
// The size is read and updated under a single acquisition of the address
// space lock so concurrent calls never lose an update. Shrinking below zero
// fails with ErrBadResize.
func (as *AddressSpace) Resize(delta int) (uintptr, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return 0, errDestroyed
	}

	oldSize := as.size
	switch {
	case delta > 0:
		if uintptr(delta) > MaxUserAddr-oldSize {
			return oldSize, errSizeTooBig
		}
		return oldSize, as.growLocked(oldSize+uintptr(delta), userHeapFlags)
	case delta < 0:
		if uintptr(-delta) > oldSize {
			return oldSize, ErrBadResize
		}
		as.shrinkLocked(oldSize - uintptr(-delta))
	}

	return oldSize, nil
}

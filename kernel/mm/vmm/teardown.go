package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

// UnmapRange removes every present mapping whose page lies in [low, high)
// and drops the reference it held on its frame. Pages that were never
// populated are skipped. It returns the number of removed mappings.
//
// UnmapRange does not release page table nodes; see Destroy.
func (as *AddressSpace) UnmapRange(low, high uintptr) int {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return 0
	}
	return as.unmapRangeLocked(low, high)
}

func (as *AddressSpace) unmapRangeLocked(low, high uintptr) int {
	if high > MaxUserAddr {
		high = MaxUserAddr
	}

	var (
		start   = mm.PageFromAddress(mm.PageRoundUp(low))
		end     = mm.PageFromAddress(mm.PageRoundUp(high))
		removed int
	)

	as.table.visit(start, end, func(page mm.Page, pte *pageTableEntry) bool {
		frame := pte.Frame()
		*pte = 0
		as.tlb.FlushEntry(page)
		as.reg.Decref(frame)
		removed++
		return true
	})

	return removed
}

// discardTable releases the nodes of a page table that never backed a live
// address space. The allocator only rejects a node frame if frame accounting
// is corrupted, so failures are logged.
func discardTable(pt *PageTable) {
	if err := pt.Destroy(); err != nil {
		kfmt.Printf("[vmm] unable to release page table nodes: %s\n", err.Message)
	}
}

// Destroy unmaps the whole address space and releases its page table. The
// address space must not be used after a call to Destroy; later calls are
// no-ops.
func (as *AddressSpace) Destroy() *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return nil
	}

	as.unmapRangeLocked(0, MaxUserAddr)
	err := as.table.Destroy()
	as.table = nil
	as.size = 0
	as.tlb.FlushAll()

	return err
}

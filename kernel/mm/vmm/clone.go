package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

// cowFlags returns the flags that a shared copy of pte must carry. Writable and
// copy-on-write mappings become read-only copy-on-write mappings; genuinely
// read-only mappings stay read-only so writing to them remains a protection
// violation.
func cowFlags(pte pageTableEntry) PageTableEntryFlag {
	if !pte.HasAnyFlag(FlagRW | FlagCopyOnWrite) {
		return pte.Flags()
	}
	return (pte.Flags() &^ FlagRW) | FlagCopyOnWrite
}

// Clone creates a copy-on-write duplicate of the address space. The child
// maps every present page of the parent to the same frame. Writable pages
// are downgraded to read-only copy-on-write in both the parent and the child
// so a later write by either side materializes a private copy instead of
// modifying the shared frame. Pages that are mapped read-only without
// FlagCopyOnWrite (e.g. program text) are shared as they are, so a write to
// them stays a protection violation in both spaces. No frames are allocated for user pages; only
// the child's page table nodes are.
//
// The parent's lock is held for the whole operation so that the downgrade of
// a parent entry and the increment of its frame's reference count appear
// atomic to a concurrent fault on the parent.
//
// If the child's page table cannot be populated, every reference taken so far
// is dropped, the partial child is discarded and ErrOutOfMemory is returned.
// Parent entries downgraded before the failure stay copy-on-write; their
// frames are referenced only by the parent again, so the next write to them
// takes the fault handler's sole-owner path.
func (as *AddressSpace) Clone(tlb TLB) (*AddressSpace, *kernel.Error) {
	child, err := NewAddressSpace(as.reg, tlb)
	if err != nil {
		return nil, err
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		discardTable(child.table)
		return nil, errDestroyed
	}

	var shared int
	as.table.visit(0, mm.PageFromAddress(MaxUserAddr), func(page mm.Page, pte *pageTableEntry) bool {
		frame := pte.Frame()

		if err = child.table.Map(page, frame, cowFlags(*pte)); err != nil {
			return false
		}

		if pte.HasFlags(FlagRW) {
			pte.ClearFlags(FlagRW)
			pte.SetFlags(FlagCopyOnWrite)
			as.tlb.FlushEntry(page)
		}

		as.reg.Incref(frame)
		shared++
		return true
	})

	if err != nil {
		kfmt.Printf("[vmm] clone aborted after sharing %d pages: %s\n", shared, err.Message)

		// The child's leaf entries are exactly the references taken
		// by this call.
		child.table.visit(0, mm.PageFromAddress(MaxUserAddr), func(_ mm.Page, pte *pageTableEntry) bool {
			as.reg.Decref(pte.Frame())
			*pte = 0
			return true
		})
		discardTable(child.table)
		return nil, ErrOutOfMemory
	}

	child.size = as.size
	return child, nil
}

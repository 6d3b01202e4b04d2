package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
)

// FaultResult describes how a write-protection fault was resolved.
type FaultResult uint8

const (
	// FaultSpurious indicates that the page was already writable, e.g.
	// because another thread resolved the same fault first.
	FaultSpurious FaultResult = iota

	// FaultReused indicates that the faulting space was the only one
	// referencing the frame, so write access was granted in place.
	FaultReused

	// FaultCopied indicates that the shared frame was copied into a new
	// private frame.
	FaultCopied
)

// String implements fmt.Stringer.
func (r FaultResult) String() string {
	switch r {
	case FaultSpurious:
		return "spurious"
	case FaultReused:
		return "reused"
	case FaultCopied:
		return "copied"
	default:
		return "unknown"
	}
}

// HandleFault resolves a write-protection fault at vaddr. On success the
// faulting store can be retried. The returned errors are:
//   - ErrInvalidMapping if no present user page backs vaddr.
//   - ErrProtectionViolation if the page is read-only and not copy-on-write.
//   - ErrOutOfMemory if a private copy of a shared frame could not be
//     allocated. The fault cannot be resolved and the faulting process must
//     not retry it.
func (as *AddressSpace) HandleFault(vaddr uintptr) (FaultResult, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return FaultSpurious, ErrInvalidMapping
	}
	return as.handleFaultLocked(mm.PageFromAddress(vaddr))
}

func (as *AddressSpace) handleFaultLocked(page mm.Page) (FaultResult, *kernel.Error) {
	h, err := as.table.walk(page, false)
	if err != nil {
		return FaultSpurious, ErrInvalidMapping
	}

	pte := as.table.entry(h)
	switch {
	case !pte.HasFlags(FlagPresent | FlagUserAccessible):
		return FaultSpurious, ErrInvalidMapping
	case pte.HasFlags(FlagRW):
		return FaultSpurious, nil
	case !pte.HasFlags(FlagCopyOnWrite):
		return FaultSpurious, ErrProtectionViolation
	}

	oldFrame := pte.Frame()

	// Only mappings can raise a frame's count and this entry is the only
	// mapping when the count is 1, so the check cannot be invalidated by
	// another address space while we hold our lock.
	if as.reg.Count(oldFrame) == 1 {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagRW)
		as.tlb.FlushEntry(page)
		return FaultReused, nil
	}

	newFrame, err := as.reg.AllocCopy(oldFrame)
	if err != nil {
		return FaultSpurious, err
	}

	pte.SetFrame(newFrame)
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)
	as.tlb.FlushEntry(page)
	as.reg.Decref(oldFrame)

	return FaultCopied, nil
}

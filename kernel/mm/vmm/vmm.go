// Package vmm implements per-process virtual address spaces whose frames can
// be shared copy-on-write between processes.
//
// Frames are owned collectively by every address space that maps them; the
// pmm.Registry reference count is the only record of that sharing. Cloning an
// address space shares all of its frames read-only and defers copying until
// one of the sharers writes to a page, at which point HandleFault either
// copies the frame or, if the faulting space is the last one referencing it,
// simply grants write access.
package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm/pmm"
)

var (
	// ErrOutOfMemory is returned when a frame or page table node cannot be
	// allocated.
	ErrOutOfMemory = pmm.ErrOutOfMemory

	// ErrProtectionViolation is returned when a write targets a page that
	// is read-only and not marked copy-on-write.
	ErrProtectionViolation = &kernel.Error{Module: "vmm", Message: "write to read-only page"}

	// ErrWriteFault is returned by Write when a store hits a present page
	// that is not writable. The caller is expected to dispatch the fault
	// to HandleFault and retry the store.
	ErrWriteFault = &kernel.Error{Module: "vmm", Message: "write-protection fault"}

	// ErrBadResize is returned by Resize when asked to shrink the address
	// space below zero.
	ErrBadResize = &kernel.Error{Module: "vmm", Message: "cannot shrink address space below zero"}

	errDestroyed  = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errLoadShared = &kernel.Error{Module: "vmm", Message: "cannot load data into a shared frame"}
	errSizeTooBig = &kernel.Error{Module: "vmm", Message: "requested size exceeds the mappable address range"}
)

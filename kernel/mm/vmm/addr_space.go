package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
	"cowmm/kernel/mm/pmm"
	"cowmm/kernel/sync"
)

// AddressSpace describes the user portion of a process's virtual memory: a
// page table whose leaf entries map the pages in [0, Size()) to frames
// tracked by a pmm.Registry.
//
// All operations on an AddressSpace are serialized by its lock. Operations
// on different address spaces only synchronize through the registry's
// per-frame reference counts.
type AddressSpace struct {
	mutex sync.Spinlock

	table *PageTable
	reg   *pmm.Registry
	tlb   TLB
	size  uintptr
}

// NewAddressSpace creates an empty address space whose page table and frames
// are allocated from reg.
func NewAddressSpace(reg *pmm.Registry, tlb TLB) (*AddressSpace, *kernel.Error) {
	table, err := NewPageTable(reg.Allocator())
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		table: table,
		reg:   reg,
		tlb:   tlb,
	}, nil
}

// Size returns the size of the user portion of the address space in bytes.
func (as *AddressSpace) Size() uintptr {
	as.mutex.Acquire()
	defer as.mutex.Release()

	return as.size
}

// TLB returns the translation cache used by this address space.
func (as *AddressSpace) TLB() TLB { return as.tlb }

// Lookup returns the mapping for the page containing vaddr.
func (as *AddressSpace) Lookup(vaddr uintptr) (Mapping, bool) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return Mapping{}, false
	}
	return as.table.Lookup(mm.PageFromAddress(vaddr))
}

// Mappings returns all present mappings in ascending virtual address order.
func (as *AddressSpace) Mappings() []Mapping {
	var list []Mapping
	as.VisitMappings(func(m Mapping) bool {
		list = append(list, m)
		return true
	})
	return list
}

// VisitMappings invokes visitFn for each present mapping in ascending virtual
// address order until visitFn returns false. The address space lock is held
// while visitFn runs so visitFn must not call back into as.
func (as *AddressSpace) VisitMappings(visitFn func(Mapping) bool) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return
	}

	as.table.visit(0, mm.PageFromAddress(MaxUserAddr), func(page mm.Page, pte *pageTableEntry) bool {
		return visitFn(mappingFromPTE(page, *pte))
	})
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(vaddr uintptr) (uintptr, *kernel.Error) {
	m, ok := as.Lookup(vaddr)
	if !ok {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return m.Frame.Address() + mm.PageOffset(vaddr), nil
}

// Load copies data to vaddr with kernel privileges, ignoring the write
// permission of the target pages. It is used when populating a freshly
// created address space (e.g. loading a program image) and refuses to modify
// frames that are shared with other address spaces.
func (as *AddressSpace) Load(vaddr uintptr, data []byte) *kernel.Error {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return errDestroyed
	}

	for len(data) > 0 {
		m, ok := as.table.Lookup(mm.PageFromAddress(vaddr))
		if !ok {
			return ErrInvalidMapping
		}

		if as.reg.Count(m.Frame) != 1 {
			return errLoadShared
		}

		n := kernel.Memcopy(data, as.reg.Bytes(m.Frame)[mm.PageOffset(vaddr):])
		data, vaddr = data[n:], vaddr+uintptr(n)
	}

	return nil
}

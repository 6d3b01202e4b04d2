package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
)

// translateLocked resolves the translation for page, consulting the TLB
// before walking the page table. Only present user pages are returned.
func (as *AddressSpace) translateLocked(page mm.Page) (Mapping, bool) {
	if m, ok := as.tlb.Lookup(page); ok {
		return m, true
	}

	m, ok := as.table.Lookup(page)
	if !ok || m.Flags&FlagUserAccessible == 0 {
		return Mapping{}, false
	}

	as.tlb.Fill(m)
	return m, true
}

// Read copies len(buf) bytes starting at vaddr into buf using user-mode
// access checks. It returns the number of bytes copied and ErrInvalidMapping
// if it encounters a page that is not mapped for user access.
func (as *AddressSpace) Read(vaddr uintptr, buf []byte) (int, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return 0, ErrInvalidMapping
	}

	var read int
	for read < len(buf) {
		addr := vaddr + uintptr(read)
		m, ok := as.translateLocked(mm.PageFromAddress(addr))
		if !ok {
			return read, ErrInvalidMapping
		}

		read += kernel.Memcopy(as.reg.Bytes(m.Frame)[mm.PageOffset(addr):], buf[read:])
	}

	return read, nil
}

// Write copies data to vaddr using user-mode access checks. It returns the
// number of bytes written and:
//   - ErrInvalidMapping if it encounters a page that is not mapped for user
//     access.
//   - ErrWriteFault if it encounters a present page that is not writable.
//     The faulting address is vaddr+n where n is the returned count; the
//     caller dispatches the fault via HandleFault and retries the remainder.
func (as *AddressSpace) Write(vaddr uintptr, data []byte) (int, *kernel.Error) {
	as.mutex.Acquire()
	defer as.mutex.Release()

	if as.table == nil {
		return 0, ErrInvalidMapping
	}

	var written int
	for written < len(data) {
		addr := vaddr + uintptr(written)
		m, ok := as.translateLocked(mm.PageFromAddress(addr))
		if !ok {
			return written, ErrInvalidMapping
		}

		if !m.Writable() {
			return written, ErrWriteFault
		}

		written += kernel.Memcopy(data[written:], as.reg.Bytes(m.Frame)[mm.PageOffset(addr):])
	}

	return written, nil
}

// WriteWithFaults behaves like Write but resolves write-protection faults
// in-line by dispatching them to HandleFault, mirroring what the trap path
// does for a faulting user store. The first unresolvable fault aborts the
// write and is returned to the caller.
func (as *AddressSpace) WriteWithFaults(vaddr uintptr, data []byte) (int, *kernel.Error) {
	var written int
	for {
		n, err := as.Write(vaddr+uintptr(written), data[written:])
		written += n

		if err != ErrWriteFault {
			return written, err
		}

		if _, err = as.HandleFault(vaddr + uintptr(written)); err != nil {
			return written, err
		}
	}
}

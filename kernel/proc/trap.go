package proc

import (
	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm/vmm"
)

// Write performs a user-mode store of data at vaddr on behalf of pid.
// Write-protection faults raised by the store are dispatched to the fault
// handler of the process's address space and the store resumes once the
// fault has been resolved.
//
// If the store touches an unmapped page, a genuinely read-only page, or a
// shared page that cannot be copied because memory is exhausted, the process
// is killed, its memory is released and ErrKilled is returned along with the
// number of bytes stored before the fault. A store that races with Exit
// returns ErrNoSuchProcess instead.
func (t *Table) Write(pid PID, vaddr uintptr, data []byte) (int, *kernel.Error) {
	p, err := t.running(pid)
	if err != nil {
		return 0, err
	}

	var written int
	for {
		n, err := p.space.Write(vaddr+uintptr(written), data[written:])
		written += n

		faultAddr := vaddr + uintptr(written)
		switch err {
		case nil:
			return written, nil
		case vmm.ErrWriteFault:
			if _, err = p.space.HandleFault(faultAddr); err == nil {
				continue
			}
		}

		return written, t.kill(p, faultAddr, err)
	}
}

// Read performs a user-mode load of len(buf) bytes at vaddr on behalf of
// pid. A load from an unmapped page kills the process.
func (t *Table) Read(pid PID, vaddr uintptr, buf []byte) (int, *kernel.Error) {
	p, err := t.running(pid)
	if err != nil {
		return 0, err
	}

	n, err := p.space.Read(vaddr, buf)
	if err != nil {
		return n, t.kill(p, vaddr+uintptr(n), err)
	}

	return n, nil
}

// kill marks p as killed by reason and releases its address space. The
// table entry is kept so the reason can be inspected until the process is
// reaped by Exit. kill returns the error reported to the faulting access:
// ErrKilled, or ErrNoSuchProcess if the process was reaped while the access
// was in flight. Such an access failed on the released address space and is
// not reported as a fault.
func (t *Table) kill(p *Process, vaddr uintptr, reason *kernel.Error) *kernel.Error {
	t.mutex.Acquire()
	if t.procs[p.pid] != p {
		t.mutex.Release()
		return ErrNoSuchProcess
	}
	if p.state == StateKilled {
		t.mutex.Release()
		return ErrKilled
	}
	p.state = StateKilled
	p.killReason = reason
	t.mutex.Release()

	kfmt.Printf("[proc] pid %d killed by fault at 0x%x: %s\n", p.pid, vaddr, reason.Message)
	releaseSpace(p.pid, p.space)
	return ErrKilled
}

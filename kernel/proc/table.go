package proc

import (
	"io"
	"sort"

	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
	"cowmm/kernel/mm/pmm"
	"cowmm/kernel/mm/vmm"
	"cowmm/kernel/sync"
)

// Table tracks live processes. All table operations may be invoked
// concurrently; the table lock is never held while an address space is
// being modified.
type Table struct {
	mutex sync.Spinlock

	reg        *pmm.Registry
	tlbEntries int
	procs      map[PID]*Process
	nextPID    PID
}

// NewTable creates an empty process table whose processes allocate memory
// from reg. Each process gets a software TLB with tlbEntries slots.
func NewTable(reg *pmm.Registry, tlbEntries int) *Table {
	return &Table{
		reg:        reg,
		tlbEntries: tlbEntries,
		procs:      make(map[PID]*Process),
		nextPID:    1,
	}
}

// register assigns a PID to p and adds it to the table.
func (t *Table) register(p *Process) PID {
	t.mutex.Acquire()
	defer t.mutex.Release()

	p.pid = t.nextPID
	t.nextPID++
	t.procs[p.pid] = p
	return p.pid
}

// running returns the process for pid if it is still running.
func (t *Table) running(pid PID) (*Process, *kernel.Error) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	p, ok := t.procs[pid]
	switch {
	case !ok:
		return nil, ErrNoSuchProcess
	case p.state != StateRunning:
		return nil, ErrKilled
	}
	return p, nil
}

// Spawn creates a process whose address space holds text at address 0
// followed by zero-filled writable memory up to size bytes. The pages
// holding text are mapped read-only.
func (t *Table) Spawn(text []byte, size uintptr) (PID, *kernel.Error) {
	textSize := mm.PageRoundUp(uintptr(len(text)))
	if size < textSize {
		size = textSize
	}

	tlb := vmm.NewSoftTLB(t.tlbEntries)
	space, err := vmm.NewAddressSpace(t.reg, tlb)
	if err != nil {
		return 0, err
	}

	if err = space.Grow(textSize, vmm.FlagUserAccessible); err == nil {
		if err = space.Load(0, text); err == nil {
			err = space.Grow(size, vmm.FlagRW|vmm.FlagUserAccessible)
		}
	}

	if err != nil {
		releaseSpace(0, space)
		return 0, err
	}

	pid := t.register(&Process{space: space, tlb: tlb})
	kfmt.Printf("[proc] spawned pid %d (%d bytes)\n", pid, size)
	return pid, nil
}

// Fork creates a child of the process identified by pid whose address space
// shares every frame of its parent copy-on-write. If the child's page tables
// cannot be allocated, Fork returns ErrOutOfMemory and neither the table nor
// any frame reference count is changed.
func (t *Table) Fork(pid PID) (PID, *kernel.Error) {
	parent, err := t.running(pid)
	if err != nil {
		return 0, err
	}

	tlb := vmm.NewSoftTLB(t.tlbEntries)
	space, err := parent.space.Clone(tlb)
	if err != nil {
		kfmt.Printf("[proc] fork of pid %d failed: %s\n", pid, err.Message)
		return 0, err
	}

	child := t.register(&Process{parent: pid, space: space, tlb: tlb})
	return child, nil
}

// Exit terminates the process identified by pid, releases its address space
// and removes it from the table. Exit also reaps killed processes.
func (t *Table) Exit(pid PID) *kernel.Error {
	t.mutex.Acquire()
	p, ok := t.procs[pid]
	if ok {
		delete(t.procs, pid)
	}
	t.mutex.Release()

	if !ok {
		return ErrNoSuchProcess
	}

	return p.space.Destroy()
}

// Sbrk grows or shrinks the address space of pid by delta bytes and returns
// its previous size. Concurrent calls for the same process are applied one
// after the other.
func (t *Table) Sbrk(pid PID, delta int) (uintptr, *kernel.Error) {
	p, err := t.running(pid)
	if err != nil {
		return 0, err
	}

	return p.space.Resize(delta)
}

// releaseSpace destroys the address space of pid and logs any failure to
// return its page tables to the allocator. A zero pid denotes a process that
// was never registered.
func releaseSpace(pid PID, space *vmm.AddressSpace) {
	if err := space.Destroy(); err != nil {
		kfmt.Printf("[proc] pid %d: unable to release address space: %s\n", pid, err.Message)
	}
}

// Info returns a snapshot of the table entry for pid.
func (t *Table) Info(pid PID) (Info, *kernel.Error) {
	t.mutex.Acquire()
	p, ok := t.procs[pid]
	var info Info
	if ok {
		info = Info{PID: p.pid, Parent: p.parent, State: p.state, KillReason: p.killReason}
	}
	t.mutex.Release()

	if !ok {
		return Info{}, ErrNoSuchProcess
	}

	info.Size = p.space.Size()
	info.Pages = len(p.space.Mappings())
	info.TLB = p.tlb.Stats()
	return info, nil
}

// Mappings returns the present mappings of pid in ascending address order.
func (t *Table) Mappings(pid PID) ([]vmm.Mapping, *kernel.Error) {
	p, err := t.running(pid)
	if err != nil {
		return nil, err
	}
	return p.space.Mappings(), nil
}

// Count returns the number of processes in the table.
func (t *Table) Count() int {
	t.mutex.Acquire()
	defer t.mutex.Release()

	return len(t.procs)
}

// PIDs returns the PIDs of all processes in ascending order.
func (t *Table) PIDs() []PID {
	t.mutex.Acquire()
	pids := make([]PID, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	t.mutex.Release()

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Dump writes a description of every process and its mappings to w.
func (t *Table) Dump(w io.Writer) {
	pw := kfmt.NewPrefixWriter(w, "proc")

	for _, pid := range t.PIDs() {
		info, err := t.Info(pid)
		if err != nil {
			continue
		}

		kfmt.Fprintf(pw, "pid %d (parent %d) %s size 0x%x pages %d\n", info.PID, info.Parent, info.State, info.Size, info.Pages)
		if info.State != StateRunning {
			kfmt.Fprintf(pw, "  reason: %s\n", info.KillReason.Message)
			continue
		}

		mappings, _ := t.Mappings(pid)
		for _, m := range mappings {
			kfmt.Fprintf(pw, "  0x%x -> 0x%x %s refs %d\n", m.Page.Address(), m.Frame.Address(), m.Flags, t.reg.Count(m.Frame))
		}
	}
}

package vmm

import (
	"bytes"
	"testing"

	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

const userRW = FlagPresent | FlagRW | FlagUserAccessible

func TestCloneSharesFramesCopyOnWrite(t *testing.T) {
	env := newTestEnv(t, 64)
	parent, parentTLB := env.newSpace(t)

	var frames []mm.Frame
	for page := uintptr(0); page < 3; page++ {
		frames = append(frames, env.mapPage(t, parent, page*mm.PageSize, userRW))
	}

	// populate the parent TLB with writable translations
	buf := make([]byte, 3*mm.PageSize)
	if _, err := parent.Read(0, buf); err != nil {
		t.Fatal(err)
	}

	allocsBefore := env.limiter.allocCount()
	child, err := parent.Clone(NewSoftTLB(0))
	if err != nil {
		t.Fatal(err)
	}

	if got, exp := env.limiter.allocCount()-allocsBefore, int64(child.table.NodeCount()); got != exp {
		t.Fatalf("expected clone to only allocate %d page table nodes; got %d allocations", exp, got)
	}

	if got := child.Size(); got != parent.Size() {
		t.Fatalf("expected child size %d; got %d", parent.Size(), got)
	}

	for i, frame := range frames {
		if got := env.reg.Count(frame); got != 2 {
			t.Errorf("frame %d: expected refcount 2; got %d", i, got)
		}
	}

	expFlags := FlagPresent | FlagUserAccessible | FlagCopyOnWrite
	for _, as := range []*AddressSpace{parent, child} {
		mappings := as.Mappings()
		if len(mappings) != len(frames) {
			t.Fatalf("expected %d mappings; got %d", len(frames), len(mappings))
		}

		for i, m := range mappings {
			if m.Page != mm.Page(i) || m.Frame != frames[i] || m.Flags != expFlags {
				t.Errorf("mapping %d: expected page %d -> frame 0x%x (%s); got %+v", i, i, uintptr(frames[i]), expFlags, m)
			}
		}
	}

	if got := parentTLB.Len(); got != 0 {
		t.Fatalf("expected downgraded parent translations to be flushed; %d remain cached", got)
	}

	env.expectConserved(t, parent, child)
}

func TestCloneKeepsReadOnlyPagesReadOnly(t *testing.T) {
	env := newTestEnv(t, 64)
	parent, _ := env.newSpace(t)

	ro := env.mapPage(t, parent, 0, FlagPresent|FlagUserAccessible)
	cow := env.mapPage(t, parent, mm.PageSize, FlagPresent|FlagUserAccessible|FlagCopyOnWrite)

	child, err := parent.Clone(NewSoftTLB(0))
	if err != nil {
		t.Fatal(err)
	}

	for _, as := range []*AddressSpace{parent, child} {
		m, _ := as.Lookup(0)
		if m.Frame != ro || m.Flags != FlagPresent|FlagUserAccessible {
			t.Errorf("expected read-only page to stay read-only; got %+v", m)
		}

		if _, err = as.HandleFault(0); err != ErrProtectionViolation {
			t.Errorf("expected ErrProtectionViolation; got %v", err)
		}

		m, _ = as.Lookup(mm.PageSize)
		if m.Frame != cow || m.Flags != FlagPresent|FlagUserAccessible|FlagCopyOnWrite {
			t.Errorf("expected copy-on-write page to stay copy-on-write; got %+v", m)
		}
	}

	if got := env.reg.Count(ro); got != 2 {
		t.Fatalf("expected read-only frame refcount 2; got %d", got)
	}

	env.expectConserved(t, parent, child)
}

func TestCloneUnwindsOnFailure(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var logBuf bytes.Buffer
	kfmt.SetOutputSink(&logBuf)

	env := newTestEnv(t, 64)
	parent, _ := env.newSpace(t)

	// pages 0 and 1 share a leaf table; the page at 2M needs a new one
	addrs := []uintptr{0, mm.PageSize, 2 << 20}
	var frames []mm.Frame
	for i, addr := range addrs {
		frame := env.mapPage(t, parent, addr, userRW)
		env.reg.Bytes(frame)[0] = byte(i + 1)
		frames = append(frames, frame)
	}

	var (
		freeBefore = env.bitmap.FreeFrames()
		sizeBefore = parent.Size()
	)

	// root node plus the 3 nodes for the first leaf table
	env.limiter.setLimit(pageLevels)

	child, err := parent.Clone(NewSoftTLB(0))
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if child != nil {
		t.Fatal("expected no child to be returned on failure")
	}

	env.limiter.setLimit(-1)

	if got := env.bitmap.FreeFrames(); got != freeBefore {
		t.Fatalf("expected partial child to be released; free frames %d, expected %d", got, freeBefore)
	}

	for i, frame := range frames {
		if got := env.reg.Count(frame); got != 1 {
			t.Errorf("frame %d: expected refcount to be restored to 1; got %d", i, got)
		}
	}

	if got := parent.Size(); got != sizeBefore {
		t.Fatalf("expected parent size to be unchanged; got %d", got)
	}

	env.expectConserved(t, parent)

	if !bytes.Contains(logBuf.Bytes(), []byte("[vmm] clone aborted")) {
		t.Fatalf("expected failed clone to be logged; got %q", logBuf.String())
	}

	// The parent remains fully usable. Downgraded pages are writable again
	// via the sole-owner path without allocating.
	allocsBefore := env.limiter.allocCount()
	for i, addr := range addrs {
		if _, err = parent.WriteWithFaults(addr, []byte{0xf0 + byte(i)}); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 1)
		if _, err = parent.Read(addr, buf); err != nil || buf[0] != 0xf0+byte(i) {
			t.Fatalf("expected to read back 0x%x at 0x%x; got 0x%x, %v", 0xf0+i, addr, buf[0], err)
		}
	}

	if got := env.limiter.allocCount() - allocsBefore; got != 0 {
		t.Fatalf("expected writes after a failed clone to reuse frames; got %d allocations", got)
	}

	if err = parent.Destroy(); err != nil {
		t.Fatal(err)
	}
	env.expectNoLeaks(t)
}

func TestCloneFailsWithoutRootNode(t *testing.T) {
	env := newTestEnv(t, 64)
	parent, _ := env.newSpace(t)
	frame := env.mapPage(t, parent, 0, userRW)

	env.limiter.setLimit(0)
	if _, err := parent.Clone(NewSoftTLB(0)); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	m, _ := parent.Lookup(0)
	if !m.Writable() || env.reg.Count(frame) != 1 {
		t.Fatalf("expected parent to be untouched; got %+v with refcount %d", m, env.reg.Count(frame))
	}
}

func TestCloneOfDestroyedSpace(t *testing.T) {
	env := newTestEnv(t, 16)
	as, _ := env.newSpace(t)
	_ = as.Destroy()

	if _, err := as.Clone(NewSoftTLB(0)); err != errDestroyed {
		t.Fatalf("expected errDestroyed; got %v", err)
	}
	env.expectNoLeaks(t)
}

func TestCloneLogsTableReleaseErrors(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var logBuf bytes.Buffer
	kfmt.SetOutputSink(&logBuf)

	env := newTestEnv(t, 64)
	parent, _ := env.newSpace(t)
	frame := env.mapPage(t, parent, 0, userRW)

	// the child root fits; the first intermediate table does not
	env.limiter.setLimit(1)
	env.limiter.rejectFree = 1

	if _, err := parent.Clone(NewSoftTLB(0)); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if exp := "[vmm] unable to release page table nodes: frame release rejected"; !bytes.Contains(logBuf.Bytes(), []byte(exp)) {
		t.Fatalf("expected log to contain %q; got %q", exp, logBuf.String())
	}

	if got := env.reg.Count(frame); got != 1 {
		t.Fatalf("expected parent frame refcount 1; got %d", got)
	}
}

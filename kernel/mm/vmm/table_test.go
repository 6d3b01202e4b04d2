package vmm

import (
	"testing"

	"cowmm/kernel/mm"
	"cowmm/kernel/mm/pmm"
)

func newTestPageTable(t *testing.T, frames uint32) (*PageTable, *pmm.BitmapAllocator) {
	t.Helper()

	pm, err := pmm.NewPhysMem(pmm.DefaultBaseFrame, frames, pmm.BackingHeap)
	if err != nil {
		t.Fatal(err)
	}

	alloc := pmm.NewBitmapAllocator(pm)
	pt, err := NewPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}
	return pt, alloc
}

func TestPageTableMapLookup(t *testing.T) {
	pt, _ := newTestPageTable(t, 16)

	var (
		page  = mm.PageFromAddress(0x7f0000403000)
		frame = mm.Frame(0x1234)
		flags = FlagPresent | FlagRW | FlagUserAccessible
	)

	if _, ok := pt.Lookup(page); ok {
		t.Fatal("expected lookup on empty table to fail")
	}

	if err := pt.Map(page, frame, flags); err != nil {
		t.Fatal(err)
	}

	// root plus one node for each of the remaining levels
	if got := pt.NodeCount(); got != pageLevels {
		t.Fatalf("expected %d table nodes; got %d", pageLevels, got)
	}

	m, ok := pt.Lookup(page)
	if !ok {
		t.Fatal("expected lookup to succeed")
	}

	if m.Page != page || m.Frame != frame || m.Flags != flags {
		t.Fatalf("unexpected mapping %+v", m)
	}

	// neighbouring page shares the leaf node but is not mapped
	if _, ok = pt.Lookup(page + 1); ok {
		t.Fatal("expected lookup of neighbouring page to fail")
	}

	// a lookup in a missing intermediate table fails
	if _, ok = pt.Lookup(mm.PageFromAddress(0x1000)); ok {
		t.Fatal("expected lookup outside the populated tables to fail")
	}
}

func TestPageTableMapErrors(t *testing.T) {
	t.Run("invalid flags", func(t *testing.T) {
		pt, _ := newTestPageTable(t, 16)
		if err := pt.Map(0, 1, FlagPresent|FlagRW|FlagCopyOnWrite); err != ErrInvalidFlags {
			t.Fatalf("expected ErrInvalidFlags; got %v", err)
		}

		if got := pt.NodeCount(); got != 1 {
			t.Fatalf("expected a rejected mapping not to allocate nodes; got %d nodes", got)
		}
	})

	t.Run("address out of range", func(t *testing.T) {
		pt, _ := newTestPageTable(t, 16)
		if err := pt.Map(mm.PageFromAddress(MaxUserAddr), 1, FlagPresent); err != errAddressOutOfRange {
			t.Fatalf("expected errAddressOutOfRange; got %v", err)
		}
	})

	t.Run("node allocation fails", func(t *testing.T) {
		pt, alloc := newTestPageTable(t, 2)
		if err := pt.Map(0, 1, FlagPresent); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}

		if got := alloc.FreeFrames(); got != 0 {
			t.Fatalf("expected the allocated nodes to be kept by the table; %d frames free", got)
		}

		if err := pt.Destroy(); err != nil {
			t.Fatal(err)
		}

		if got := alloc.FreeFrames(); got != 2 {
			t.Fatalf("expected Destroy to release all node frames; %d frames free", got)
		}
	})
}

func TestPageTableVisit(t *testing.T) {
	pt, _ := newTestPageTable(t, 32)

	addrs := []uintptr{
		0x40000000,
		0x3000,
		0x200000,
		0x1000,
		0x8000000000,
	}

	for i, addr := range addrs {
		if err := pt.Map(mm.PageFromAddress(addr), mm.Frame(i+1), FlagPresent); err != nil {
			t.Fatal(err)
		}
	}

	// non-present entries are not visited
	h, _ := pt.walk(mm.PageFromAddress(0x2000), true)
	pt.entry(h).SetFlags(FlagRW)

	collect := func(start, end uintptr) []uintptr {
		var got []uintptr
		pt.visit(mm.PageFromAddress(start), mm.PageFromAddress(end), func(page mm.Page, _ *pageTableEntry) bool {
			got = append(got, page.Address())
			return true
		})
		return got
	}

	specs := []struct {
		start, end uintptr
		exp        []uintptr
	}{
		{0, MaxUserAddr, []uintptr{0x1000, 0x3000, 0x200000, 0x40000000, 0x8000000000}},
		{0x2000, 0x40000000, []uintptr{0x3000, 0x200000}},
		{0x200000, 0x200001 + mm.PageSize, []uintptr{0x200000}},
		{0x4000, 0x200000, nil},
		{0x3000, 0x3000, nil},
	}

	for specIndex, spec := range specs {
		got := collect(spec.start, spec.end)
		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected visited pages %x; got %x", specIndex, spec.exp, got)
			continue
		}

		for i := range got {
			if got[i] != spec.exp[i] {
				t.Errorf("[spec %d] expected visited pages %x; got %x", specIndex, spec.exp, got)
				break
			}
		}
	}

	var visited int
	pt.visit(0, mm.PageFromAddress(MaxUserAddr), func(mm.Page, *pageTableEntry) bool {
		visited++
		return visited < 2
	})

	if visited != 2 {
		t.Fatalf("expected visit to abort after 2 pages; visited %d", visited)
	}
}

func TestPageTableDestroy(t *testing.T) {
	pt, alloc := newTestPageTable(t, 32)

	for _, addr := range []uintptr{0x1000, 0x40000000, 0x8000000000} {
		if err := pt.Map(mm.PageFromAddress(addr), 1, FlagPresent); err != nil {
			t.Fatal(err)
		}
	}

	if got, exp := alloc.FreeFrames(), alloc.TotalFrames()-uint32(pt.NodeCount()); got != exp {
		t.Fatalf("expected every node to be charged a frame; %d free, expected %d", got, exp)
	}

	if err := pt.Destroy(); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreeFrames(); got != alloc.TotalFrames() {
		t.Fatalf("expected Destroy to release all node frames; %d frames free", got)
	}

	if got := pt.NodeCount(); got != 0 {
		t.Fatalf("expected destroyed table to have no nodes; got %d", got)
	}
}

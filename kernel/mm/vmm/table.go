package vmm

import (
	"cowmm/kernel"
	"cowmm/kernel/mm"
)

const (
	// pageLevels indicates the number of page table levels.
	pageLevels = 4

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in each table node.
	entriesPerTable = 1 << pageLevelBits

	// MaxUserAddr is the first virtual address that cannot be translated
	// by a page table.
	MaxUserAddr = uintptr(1) << (pageLevels*pageLevelBits + 12)
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrInvalidFlags is returned when a mapping is requested with an
	// illegal flag combination.
	ErrInvalidFlags = &kernel.Error{Module: "vmm", Message: "invalid page table entry flag combination"}

	errAddressOutOfRange = &kernel.Error{Module: "vmm", Message: "virtual address outside of the mappable range"}
)

// nodeIndex identifies a table node inside a PageTable's node arena. The root
// node always has index 0, so index 0 never appears as a child.
type nodeIndex uint32

const rootNode nodeIndex = 0

// tableNode is a single page table of the translation tree. Leaf nodes
// (level pageLevels-1) store page table entries; intermediate nodes store the
// index of the next level node for each slot.
type tableNode struct {
	// frame is the physical frame charged for this node.
	frame mm.Frame

	level   uint8
	entries [entriesPerTable]pageTableEntry
	next    [entriesPerTable]nodeIndex
}

// entryHandle locates a leaf page table entry.
type entryHandle struct {
	node nodeIndex
	slot uint16
}

// PageTable is a multi-level translation tree for a single address space.
// Table nodes live in an arena and reference each other by index; every node
// is backed by a physical frame obtained from the supplied allocator so that
// page table growth is subject to the same memory pressure as user pages.
type PageTable struct {
	alloc mm.FrameAllocator
	nodes []tableNode
}

// NewPageTable allocates an empty page table.
func NewPageTable(alloc mm.FrameAllocator) (*PageTable, *kernel.Error) {
	pt := &PageTable{alloc: alloc}
	if _, err := pt.newNode(0); err != nil {
		return nil, err
	}
	return pt, nil
}

func (pt *PageTable) newNode(level uint8) (nodeIndex, *kernel.Error) {
	frame, err := pt.alloc.AllocFrame()
	if err != nil {
		return 0, err
	}

	pt.nodes = append(pt.nodes, tableNode{frame: frame, level: level})
	return nodeIndex(len(pt.nodes) - 1), nil
}

// NodeCount returns the number of table nodes (and therefore physical frames)
// used by this page table.
func (pt *PageTable) NodeCount() int {
	return len(pt.nodes)
}

// walk performs a page table walk for the given page and returns a handle to
// its leaf entry. If create is true, missing intermediate tables are
// allocated; otherwise walk returns ErrInvalidMapping when one is missing.
//
// Pointers obtained via entry() are invalidated by a walk that creates new
// nodes.
func (pt *PageTable) walk(page mm.Page, create bool) (entryHandle, *kernel.Error) {
	virtAddr := page.Address()
	if virtAddr >= MaxUserAddr {
		return entryHandle{}, errAddressOutOfRange
	}

	node := rootNode
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		slot := (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
		if level == pageLevels-1 {
			return entryHandle{node: node, slot: uint16(slot)}, nil
		}

		next := pt.nodes[node].next[slot]
		if next == rootNode {
			if !create {
				return entryHandle{}, ErrInvalidMapping
			}

			var err *kernel.Error
			if next, err = pt.newNode(level + 1); err != nil {
				return entryHandle{}, err
			}
			pt.nodes[node].next[slot] = next
		}

		node = next
	}

	// not reached; the loop always returns at the leaf level
	return entryHandle{}, ErrInvalidMapping
}

// entry returns a pointer to the leaf entry referenced by h.
func (pt *PageTable) entry(h entryHandle) *pageTableEntry {
	return &pt.nodes[h.node].entries[h.slot]
}

// Map establishes a mapping between a virtual page and a physical frame,
// allocating any missing intermediate tables. Any previous mapping for the
// page is overwritten.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !flags.Valid() {
		return ErrInvalidFlags
	}

	h, err := pt.walk(page, true)
	if err != nil {
		return err
	}

	pte := pt.entry(h)
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return nil
}

// Lookup returns the mapping for the supplied page.
func (pt *PageTable) Lookup(page mm.Page) (Mapping, bool) {
	h, err := pt.walk(page, false)
	if err != nil {
		return Mapping{}, false
	}

	pte := *pt.entry(h)
	if !pte.HasFlags(FlagPresent) {
		return Mapping{}, false
	}

	return mappingFromPTE(page, pte), true
}

// pageVisitor is invoked by visit for each present leaf entry. If it returns
// false, the traversal is aborted.
type pageVisitor func(page mm.Page, pte *pageTableEntry) bool

// visit invokes visitFn for each present leaf entry whose page lies in
// [start, end) in ascending virtual address order. visitFn may modify the
// entry in place but must not create new nodes in this table.
func (pt *PageTable) visit(start, end mm.Page, visitFn pageVisitor) {
	if len(pt.nodes) == 0 || start >= end {
		return
	}
	pt.visitNode(rootNode, 0, start.Address(), end.Address(), visitFn)
}

func (pt *PageTable) visitNode(node nodeIndex, baseAddr, startAddr, endAddr uintptr, visitFn pageVisitor) bool {
	var (
		level = pt.nodes[node].level
		shift = pageLevelShifts[level]
		span  = uintptr(1) << shift
	)

	for slot := uintptr(0); slot < entriesPerTable; slot++ {
		slotAddr := baseAddr + slot<<shift

		// skip slots that do not intersect the requested range
		if slotAddr+span <= startAddr {
			continue
		}
		if slotAddr >= endAddr {
			return true
		}

		if level == pageLevels-1 {
			pte := &pt.nodes[node].entries[slot]
			if pte.HasFlags(FlagPresent) && !visitFn(mm.PageFromAddress(slotAddr), pte) {
				return false
			}
			continue
		}

		if next := pt.nodes[node].next[slot]; next != rootNode {
			if !pt.visitNode(next, slotAddr, startAddr, endAddr, visitFn) {
				return false
			}
		}
	}

	return true
}

// Destroy releases the frames backing all table nodes. The caller must have
// already released the frames referenced by the table's leaf entries. The
// table must not be used after a call to Destroy.
func (pt *PageTable) Destroy() *kernel.Error {
	var firstErr *kernel.Error
	for i := range pt.nodes {
		if err := pt.alloc.FreeFrame(pt.nodes[i].frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	pt.nodes = nil
	return firstErr
}

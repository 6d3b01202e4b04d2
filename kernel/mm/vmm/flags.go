package vmm

import "strings"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is mapped to a physical frame.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagCopyOnWrite marks a read-only page whose frame is (or was) shared
	// with other address spaces. A write to such a page is resolved by the
	// fault handler instead of being reported as a protection violation.
	// This flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// flagMask covers all flags understood by this package.
	flagMask = FlagPresent | FlagRW | FlagUserAccessible | FlagCopyOnWrite
)

// Valid returns false if the flag set contains an illegal combination, i.e.
// both FlagRW and FlagCopyOnWrite or bits outside the supported flags.
func (f PageTableEntryFlag) Valid() bool {
	return f&^flagMask == 0 && f&(FlagRW|FlagCopyOnWrite) != FlagRW|FlagCopyOnWrite
}

// String returns a human-readable representation of the flag set.
func (f PageTableEntryFlag) String() string {
	var parts []string
	for _, fl := range []struct {
		flag PageTableEntryFlag
		name string
	}{
		{FlagPresent, "P"},
		{FlagRW, "RW"},
		{FlagUserAccessible, "U"},
		{FlagCopyOnWrite, "COW"},
	} {
		if f&fl.flag != 0 {
			parts = append(parts, fl.name)
		}
	}

	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

package vmm

import "testing"

func TestPageTableEntryFlagValid(t *testing.T) {
	specs := []struct {
		flags PageTableEntryFlag
		exp   bool
	}{
		{0, true},
		{FlagPresent | FlagRW | FlagUserAccessible, true},
		{FlagPresent | FlagUserAccessible | FlagCopyOnWrite, true},
		{FlagPresent | FlagRW | FlagCopyOnWrite, false},
		{FlagPresent | 1<<5, false},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.Valid(); got != spec.exp {
			t.Errorf("[spec %d] expected Valid() to return %t for %s", specIndex, spec.exp, spec.flags)
		}
	}
}

func TestPageTableEntryFlagString(t *testing.T) {
	specs := []struct {
		flags PageTableEntryFlag
		exp   string
	}{
		{0, "-"},
		{FlagPresent, "P"},
		{FlagPresent | FlagRW | FlagUserAccessible, "P|RW|U"},
		{FlagPresent | FlagUserAccessible | FlagCopyOnWrite, "P|U|COW"},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

//go:build !unix

package pmm

// mapArena falls back to a heap allocation on hosts without mmap support.
func mapArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}

// DefaultBacking is the arena backing used when none is configured.
const DefaultBacking = BackingHeap

//go:build unix

package pmm

import "golang.org/x/sys/unix"

// mapArena reserves size bytes of zeroed memory using an anonymous private
// host mapping.
func mapArena(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return data, func() error { return unix.Munmap(data) }, nil
}

// DefaultBacking is the arena backing used when none is configured.
const DefaultBacking = BackingMmap

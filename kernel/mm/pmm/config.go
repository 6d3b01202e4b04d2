package pmm

import (
	"strconv"

	"cowmm/kernel"
	"cowmm/kernel/mm"
)

const (
	// DefaultFrameCount is the number of frames in the physical arena when
	// mem.frames is not specified.
	DefaultFrameCount = 4096

	// DefaultBaseFrame is the first managed frame when mem.base is not
	// specified. Frames below 1M are never handed out.
	DefaultBaseFrame = mm.Frame(0x100)
)

var (
	errBadFrameCount = &kernel.Error{Module: "pmm", Message: "mem.frames must be a positive integer"}
	errBadBaseFrame  = &kernel.Error{Module: "pmm", Message: "mem.base must be a frame number"}
)

// Config describes the physical memory layout.
type Config struct {
	// BaseFrame is the first frame of the physical arena.
	BaseFrame mm.Frame

	// FrameCount is the number of frames in the physical arena.
	FrameCount uint32

	// Backing selects where frame contents are stored.
	Backing Backing
}

// DefaultConfig returns the configuration used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		BaseFrame:  DefaultBaseFrame,
		FrameCount: DefaultFrameCount,
		Backing:    DefaultBacking,
	}
}

// ConfigFromCmdLine applies the mem.* keys of a parsed boot command line on
// top of DefaultConfig. Recognized keys:
//
//	mem.frames   number of frames in the arena
//	mem.base     first frame number (decimal or 0x-prefixed hex)
//	mem.backing  "mmap" or "heap"
func ConfigFromCmdLine(kv map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if v, ok := kv["mem.frames"]; ok {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil || n == 0 {
			return cfg, errBadFrameCount
		}
		cfg.FrameCount = uint32(n)
	}

	if v, ok := kv["mem.base"]; ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil || !mm.Frame(n).Valid() {
			return cfg, errBadBaseFrame
		}
		cfg.BaseFrame = mm.Frame(n)
	}

	if v, ok := kv["mem.backing"]; ok {
		switch b := Backing(v); b {
		case BackingMmap, BackingHeap:
			cfg.Backing = b
		default:
			return cfg, errUnknownBacking
		}
	}

	return cfg, nil
}

// Package pmm manages physical memory: the arena holding frame contents, the
// bitmap frame allocator and the frame reference registry that enables
// sharing frames between address spaces.
package pmm

import (
	"cowmm/kernel"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm"
)

// Init sets up the physical memory allocation sub-system described by cfg and
// returns the frame registry that fronts it.
func Init(cfg Config) (*Registry, *kernel.Error) {
	pm, err := NewPhysMem(cfg.BaseFrame, cfg.FrameCount, cfg.Backing)
	if err != nil {
		return nil, err
	}

	alloc := NewBitmapAllocator(pm)
	kfmt.Printf("[pmm] managing %d frames [0x%x - 0x%x] (%s backing)\n",
		cfg.FrameCount,
		cfg.BaseFrame.Address(),
		(cfg.BaseFrame+mm.Frame(cfg.FrameCount)).Address()-1,
		cfg.Backing,
	)

	return NewRegistry(pm, alloc), nil
}

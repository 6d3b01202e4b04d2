// Package kmain brings up the memory management and process sub-systems from
// a boot command line.
package kmain

import (
	"io"
	"strconv"

	"cowmm/kernel"
	"cowmm/kernel/cmdline"
	"cowmm/kernel/kfmt"
	"cowmm/kernel/mm/pmm"
	"cowmm/kernel/mm/vmm"
	"cowmm/kernel/proc"
)

var (
	errBadTLBSize = &kernel.Error{Module: "kmain", Message: "vmm.tlb must be a positive integer"}
)

// Kernel bundles the sub-systems initialized by Boot.
type Kernel struct {
	// Procs is the process table.
	Procs *proc.Table

	// Frames is the frame registry shared by all address spaces.
	Frames *pmm.Registry
}

// Boot initializes the kernel using the settings in cmdLine. Log output is
// sent to sink unless the command line contains vmm.log=off.
//
// Recognized keys besides the mem.* keys understood by pmm.ConfigFromCmdLine:
//
//	vmm.log  "on" or "off"
//	vmm.tlb  number of cached translations per process
func Boot(cmdLine string, sink io.Writer) (*Kernel, *kernel.Error) {
	kv := cmdline.Parse(cmdLine)

	if !cmdline.Bool(kv, "vmm.log", true) {
		sink = io.Discard
	}
	kfmt.SetOutputSink(sink)

	tlbEntries := vmm.DefaultTLBEntries
	if v, ok := kv["vmm.tlb"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errBadTLBSize
		}
		tlbEntries = n
	}

	cfg, err := pmm.ConfigFromCmdLine(kv)
	if err != nil {
		return nil, err
	}

	reg, err := pmm.Init(cfg)
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] %d TLB entries per process\n", tlbEntries)
	return &Kernel{
		Procs:  proc.NewTable(reg, tlbEntries),
		Frames: reg,
	}, nil
}

// Shutdown terminates every process and releases the physical arena. The
// kernel must not be used afterwards.
func (k *Kernel) Shutdown() *kernel.Error {
	for _, pid := range k.Procs.PIDs() {
		if err := k.Procs.Exit(pid); err != nil {
			return err
		}
	}

	if leaked := k.Frames.Referenced(); leaked != 0 {
		kfmt.Printf("[kmain] %d frames still referenced at shutdown\n", leaked)
	}

	return k.Frames.PhysMem().Close()
}

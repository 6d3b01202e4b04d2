// Package proc maintains the table of user processes and drives their
// address spaces: it creates them, forks them copy-on-write, dispatches the
// write-protection faults raised by user stores and tears them down on exit.
package proc

import (
	"cowmm/kernel"
	"cowmm/kernel/mm/vmm"
)

// PID identifies a process.
type PID uint32

// State describes the lifecycle state of a process.
type State uint8

const (
	// StateRunning is the state of a process that can access its memory.
	StateRunning State = iota

	// StateKilled is the state of a process that was terminated because of
	// an unrecoverable memory fault. Its address space has already been
	// released; the entry stays in the table until the process is reaped
	// via Exit.
	StateKilled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

var (
	// ErrNoSuchProcess is returned when a PID does not refer to a process
	// in the table.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrKilled is returned by memory accesses that caused the process to
	// be killed and by any operation on a killed process.
	ErrKilled = &kernel.Error{Module: "proc", Message: "process killed by unrecoverable memory fault"}
)

// Process is a user process and the address space it runs in.
type Process struct {
	pid    PID
	parent PID
	state  State

	// killReason is the fault that caused the process to be killed.
	killReason *kernel.Error

	space *vmm.AddressSpace
	tlb   *vmm.SoftTLB
}

// Info is a snapshot of a process table entry.
type Info struct {
	PID    PID
	Parent PID
	State  State
	Size   uintptr
	Pages  int

	// KillReason is set when State is StateKilled.
	KillReason *kernel.Error

	TLB vmm.TLBStats
}

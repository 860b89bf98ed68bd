// Package seccomp applies a pre-compiled syscall filter to the calling
// thread. Filter programs are produced elsewhere; the monitor's only
// obligation is to install one on each vCPU thread before the first guest
// instruction runs. Installation failure is fatal at boot.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Filter is installed on a vCPU thread immediately before it enters the
// run loop. Install runs on the target thread (the caller must already be
// locked to it).
type Filter interface {
	Install() error
}

// NoFilter installs nothing. Used in tests and when sandboxing is handled
// by an outer jailer.
type NoFilter struct{}

func (NoFilter) Install() error { return nil }

// Program is a compiled classic-BPF seccomp program.
type Program struct {
	Instructions []unix.SockFilter
}

// Install applies the program to the calling thread with
// SECCOMP_SET_MODE_FILTER. NO_NEW_PRIVS is set first, as required for
// unprivileged installation.
func (p *Program) Install() error {
	if len(p.Instructions) == 0 {
		return fmt.Errorf("seccomp: empty filter program")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: PR_SET_NO_NEW_PRIVS: %w", err)
	}

	prog := unix.SockFprog{
		Len:    uint16(len(p.Instructions)),
		Filter: &p.Instructions[0],
	}

	// No TSYNC: the filter is scoped to this vCPU thread only.
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER,
		0,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("seccomp: SECCOMP_SET_MODE_FILTER: %w", errno)
	}

	return nil
}

package kvm

import "errors"

var (
	// ErrUnexpectedExitReason is an exit the run loop has no handler for.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrInternalError is a KVM_EXIT_INTERNAL_ERROR: the hypervisor has
	// lost track of guest state and the machine cannot continue.
	ErrInternalError = errors.New("kvm internal error")

	// ErrAPIVersion means the host KVM does not speak ABI version 12.
	ErrAPIVersion = errors.New("unsupported kvm api version")

	// ErrMissingCapability means a required KVM extension is absent.
	ErrMissingCapability = errors.New("missing kvm capability")
)

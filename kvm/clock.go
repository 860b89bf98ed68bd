package kvm

import "unsafe"

// ClockData is the kvmclock reading of the VM. Saving and restoring it
// keeps guest time monotonic across a snapshot cycle.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     [9]uint32
}

func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(cd)))

	return err
}

func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(cd)))

	return err
}

package kvm

import (
	"golang.org/x/sys/unix"
)

// ioctl encoding, see asm-generic/ioctl.h. All KVM ioctls use type 0xAE.
const (
	kvmIO = 0xAE

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIO<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// IIO encodes a KVM ioctl with no argument payload.
func IIO(nr uintptr) uintptr {
	return ioc(0, nr, 0)
}

// IIOR encodes a KVM ioctl whose argument is read by userspace.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW encodes a KVM ioctl whose argument is written by userspace.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOWR encodes a KVM ioctl whose argument flows both ways.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl on fd, retrying on EINTR. KVM_RUN returns EINTR
// whenever a host signal interrupts guest execution, so callers that need
// to observe the interrupt (the vCPU run loop) must not use this wrapper
// for KVM_RUN; everything else wants the retry.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// ioctlNoRetry issues an ioctl exactly once. Used for KVM_RUN.
func ioctlNoRetry(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

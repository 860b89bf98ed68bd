package kvm

import "unsafe"

// UserspaceMemoryRegion maps a range of guest physical addresses onto host
// virtual memory in one KVM slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages makes KVM track writes to the region in its dirty
// bitmap, retrievable with GetDirtyLog.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks the region read only; guest writes exit with MMIO.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or replaces a memory slot on the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog requests the dirty bitmap of one slot. BitMap is the userspace
// address of a buffer with one bit per page; KVM clears its internal
// bitmap atomically as it copies.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// SetBitmap points BitMap at a caller-owned word buffer. The caller keeps
// words alive across the GetDirtyLog call.
func (dl *DirtyLog) SetBitmap(words []uint64) {
	dl.BitMap = uint64(uintptr(unsafe.Pointer(&words[0])))
}

func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(dl)))

	return err
}

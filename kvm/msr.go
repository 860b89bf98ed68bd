package kvm

import "unsafe"

// MaxMSREntries bounds the fixed backing arrays for the variable-length
// kvm_msrs and kvm_msr_list structures.
const MaxMSREntries = 256

// msrListHeader mirrors struct kvm_msr_list for ioctl number purposes.
type msrListHeader struct {
	NMSRs uint32
}

// MSRList is a kvm_msr_list with in-line storage for the indices.
type MSRList struct {
	NMSRs    uint32
	Indicies [MaxMSREntries]uint32
}

// GetMSRIndexList fills list with the MSR indices supported by this host.
// On the first call with NMSRs too small KVM returns E2BIG and stores the
// required count; callers probe once and retry.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(msrListHeader{})),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrsHeader mirrors struct kvm_msrs for ioctl number purposes.
type msrsHeader struct {
	NMSRs uint32
	_     uint32
}

// MSRS is a kvm_msrs with in-line storage for the entries.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries [MaxMSREntries]MSREntry
}

func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd,
		IIOWR(kvmGetMSRs, unsafe.Sizeof(msrsHeader{})),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetMSRs, unsafe.Sizeof(msrsHeader{})),
		uintptr(unsafe.Pointer(msrs)))

	return err
}

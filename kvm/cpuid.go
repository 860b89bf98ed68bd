package kvm

import "unsafe"

// CPUID leaves of interest when building the guest feature template.
const (
	CPUIDFuncPerMon = 0x0A
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
)

// MaxCPUIDEntries bounds the fixed backing array for kvm_cpuid2.
const MaxCPUIDEntries = 100

// CPUIDEntry2 is one kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

// cpuidHeader mirrors struct kvm_cpuid2 for ioctl number purposes.
type cpuidHeader struct {
	Nent uint32
	_    uint32
}

// CPUID is a kvm_cpuid2 with in-line storage for the entries.
type CPUID struct {
	Nent    uint32
	_       uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID fills c with the host-supported CPUID leaves. Nent must
// be preset to the capacity of Entries.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(c)))

	return err
}

func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(c)))

	return err
}

package kvm

import "unsafe"

// LAPICState is the 1 KiB local APIC register page of one vCPU.
type LAPICState struct {
	Regs [1024]byte
}

func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(lapic)))

	return err
}

func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(lapic)))

	return err
}

// VCPUEvents is the pending exception/interrupt/NMI state of one vCPU.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SipiVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}
	_                   [27]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

func GetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return err
}

// MPState values (kvm_mp_state.mp_state).
const (
	MPStateRunnable      = 0
	MPStateUninitialized = 1
	MPStateInitReceived  = 2
	MPStateHalted        = 3
	MPStateSipiReceived  = 4
)

// MPState is the multiprocessor run state of one vCPU.
type MPState struct {
	State uint32
}

func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(mps)))

	return err
}

func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(mps)))

	return err
}

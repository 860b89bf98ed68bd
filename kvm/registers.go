package kvm

import "unsafe"

// Regs are the general-purpose registers of one vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return err
}

const numInterrupts = 0x100

// Sregs are the control and segment registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment is one segment register with its hidden descriptor state.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT or IDT table register.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(kvmGetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return err
}

// FPU is the classic x87/SSE state of one vCPU.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

func GetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(fpu)))

	return err
}

func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(fpu)))

	return err
}

// DebugRegs are the hardware debug registers DR0-DR3, DR6 and DR7.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetDebugRegs, unsafe.Sizeof(DebugRegs{})), uintptr(unsafe.Pointer(dregs)))

	return err
}

func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetDebugRegs, unsafe.Sizeof(DebugRegs{})), uintptr(unsafe.Pointer(dregs)))

	return err
}

// XCR is one extended control register.
type XCR struct {
	XCR   uint32
	_     uint32
	Value uint64
}

// XCRS is the set of extended control registers (XCR0 for AVX state).
type XCRS struct {
	NrXCRS uint32
	Flags  uint32
	XCRS   [16]XCR
	_      [16]uint64
}

func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(xcrs)))

	return err
}

func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(xcrs)))

	return err
}

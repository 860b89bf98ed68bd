// Package kvm is a thin binding to the Linux KVM ioctl surface. It exposes
// exactly the calls the monitor needs: machine and vCPU creation, the run
// primitive, architectural register access, irqchip/PIT/clock state, user
// memory regions and the dirty log.
package kvm

import "unsafe"

// ioctl request numbers (the nr byte; direction, type and size are encoded
// by the IIO* helpers).
const (
	kvmGetAPIVersion     = 0x00
	kvmCreateVM          = 0x01
	kvmGetMSRIndexList   = 0x02
	kvmCheckExtension    = 0x03
	kvmGetVCPUMMapSize   = 0x04
	kvmGetSupportedCPUID = 0x05

	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLine       = 0x61
	kvmGetIRQChip    = 0x62
	kvmSetIRQChip    = 0x63
	kvmCreatePIT2    = 0x77
	kvmSetClock      = 0x7b
	kvmGetClock      = 0x7c
	kvmGetPIT2       = 0x9f
	kvmSetPIT2       = 0xa0

	kvmRun           = 0x80
	kvmGetRegs       = 0x81
	kvmSetRegs       = 0x82
	kvmGetSregs      = 0x83
	kvmSetSregs      = 0x84
	kvmGetMSRs       = 0x88
	kvmSetMSRs       = 0x89
	kvmGetFPU        = 0x8c
	kvmSetFPU        = 0x8d
	kvmGetLAPIC      = 0x8e
	kvmSetLAPIC      = 0x8f
	kvmSetCPUID2     = 0x90
	kvmGetMPState    = 0x98
	kvmSetMPState    = 0x99
	kvmGetVCPUEvents = 0x9f
	kvmSetVCPUEvents = 0xa0
	kvmGetDebugRegs  = 0xa1
	kvmSetDebugRegs  = 0xa2
	kvmGetXCRS       = 0xa6
	kvmSetXCRS       = 0xa7
)

// APIVersion is the only KVM ABI version this package speaks.
const APIVersion = 12

// ExitReason is the reason KVM_RUN returned to userspace.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHlt           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitNMI           ExitReason = 16
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
)

func (e ExitReason) String() string {
	switch e {
	case ExitUnknown:
		return "ExitUnknown"
	case ExitException:
		return "ExitException"
	case ExitIO:
		return "ExitIO"
	case ExitHypercall:
		return "ExitHypercall"
	case ExitDebug:
		return "ExitDebug"
	case ExitHlt:
		return "ExitHlt"
	case ExitMMIO:
		return "ExitMMIO"
	case ExitIRQWindowOpen:
		return "ExitIRQWindowOpen"
	case ExitShutdown:
		return "ExitShutdown"
	case ExitFailEntry:
		return "ExitFailEntry"
	case ExitIntr:
		return "ExitIntr"
	case ExitSetTPR:
		return "ExitSetTPR"
	case ExitTPRAccess:
		return "ExitTPRAccess"
	case ExitNMI:
		return "ExitNMI"
	case ExitInternalError:
		return "ExitInternalError"
	case ExitSystemEvent:
		return "ExitSystemEvent"
	default:
		return "ExitReason(" + utoa(uint64(e)) + ")"
	}
}

func utoa(v uint64) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}

// IO direction values in the kvm_run io exit payload.
const (
	IODirectionIn  = 0
	IODirectionOut = 1
)

// RunData is the mmap'ed kvm_run structure shared with the kernel, one per
// vCPU. Only the header fields the monitor touches are named; the exit
// union lives in Data.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks the kvm_run io exit payload: direction, access size in bytes,
// port, repeat count and the offset of the data window inside the mmap'ed
// region.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return
}

// MMIO unpacks the kvm_run mmio exit payload. The returned slice aliases
// the data window in the shared structure: for a read exit the handler
// fills it before the next KVM_RUN.
func (r *RunData) MMIO() (physAddr uint64, data []byte, isWrite bool) {
	physAddr = r.Data[0]
	length := uint32(r.Data[2])
	data = unsafe.Slice((*byte)(unsafe.Pointer(&r.Data[1])), 8)[:length]
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return
}

// InternalError returns the suberror code of an internal-error exit.
func (r *RunData) InternalError() uint32 {
	return uint32(r.Data[0])
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run enters guest execution until the next exit condition. EINTR is
// passed through, not retried: a kick from another thread, or an armed
// ImmediateExit byte, surfaces as EINTR, and the exit union must not be
// read in that case (an immediate exit leaves it stale).
func Run(vcpuFd uintptr) error {
	_, err := ioctlNoRetry(vcpuFd, IIO(kvmRun), 0)

	return err
}

// SetTSSAddr reserves the three pages Intel VMX needs for the TSS.
// 0xffffd000 keeps them just below the identity map page.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), 0xffffd000)

	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(0xffffc000)
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, unsafe.Sizeof(addr)), uintptr(unsafe.Pointer(&addr)))

	return err
}

// Capability numbers for CheckExtension.
type Capability uint32

const (
	CapIRQChip       Capability = 0
	CapUserMemory    Capability = 3
	CapNRVCPUs       Capability = 9
	CapNRMemSlots    Capability = 10
	CapPIT2          Capability = 33
	CapImmediateExit Capability = 136
)

// CheckExtension queries whether the host KVM supports a capability; the
// returned value is capability-specific (>0 means present).
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}

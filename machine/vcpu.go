package machine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kuvisor/kuvisor/bus"
	"github.com/kuvisor/kuvisor/kvm"
	"github.com/kuvisor/kuvisor/vcpu"
)

// kickSignal interrupts KVM_RUN on the target thread. SIGURG is already
// handled (and ignored for our purposes) by the Go runtime, so delivering
// it is free of side effects beyond the EINTR we want.
const kickSignal = unix.SIGURG

// VCPU is one KVM virtual CPU: its file descriptor, the shared kvm_run
// mapping and the exit dispatch onto the machine's buses. It implements
// vcpu.Runner.
type VCPU struct {
	m  *Machine
	id int
	fd uintptr

	raw []byte // kvm_run mmap
	run *kvm.RunData

	// tid is the OS thread the run loop is locked to, recorded at the
	// first RunOnce. Kick is a no-op until then.
	tid atomic.Int64

	// immedMu serializes writes to the shared ImmediateExit byte between
	// the run thread and the controller.
	immedMu sync.Mutex
}

func newVCPU(m *Machine, id int, fd uintptr, mmapSize int) (*VCPU, error) {
	raw, err := unix.Mmap(int(fd), 0, mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run for vcpu %d: %w", id, err)
	}

	return &VCPU{
		m:   m,
		id:  id,
		fd:  fd,
		raw: raw,
		run: (*kvm.RunData)(unsafe.Pointer(&raw[0])),
	}, nil
}

// ID returns the vCPU index.
func (v *VCPU) ID() int { return v.id }

// RunOnce enters the guest until the next exit and dispatches it. It must
// only be called from the engine's locked thread.
func (v *VCPU) RunOnce() (vcpu.Disposition, error) {
	if v.tid.Load() == 0 {
		v.tid.Store(int64(unix.Gettid()))
	}

	err := kvm.Run(v.fd)
	if errors.Is(err, unix.EINTR) {
		// Kicked, or the immediate-exit byte was armed. The exit union
		// is not valid here.
		return vcpu.Yield, nil
	}

	if err != nil {
		return 0, fmt.Errorf("KVM_RUN: %w", err)
	}

	switch kvm.ExitReason(v.run.ExitReason) {
	case kvm.ExitIO:
		return vcpu.Continue, v.handleIO()
	case kvm.ExitMMIO:
		return vcpu.Continue, v.handleMMIO()
	case kvm.ExitIntr:
		return vcpu.Yield, nil
	case kvm.ExitHlt:
		return vcpu.Halted, nil
	case kvm.ExitShutdown, kvm.ExitSystemEvent:
		return vcpu.Shutdown, nil
	case kvm.ExitFailEntry:
		return 0, fmt.Errorf("%w: entry failure", kvm.ErrInternalError)
	case kvm.ExitInternalError:
		return 0, v.internalError()
	case kvm.ExitUnknown, kvm.ExitIRQWindowOpen:
		return vcpu.Continue, nil
	default:
		return 0, fmt.Errorf("%w: %v", kvm.ErrUnexpectedExitReason, v.run.ExitReason)
	}
}

// handleIO dispatches a port-IO exit. The data window lives inside the
// shared mapping; string instructions deliver count back-to-back items.
// Accesses to unmapped ports are neutral: the bus already filled the
// all-ones pattern for reads, and writes vanish.
func (v *VCPU) handleIO() error {
	direction, size, port, count, offset := v.run.IO()
	data := v.raw[offset : offset+size*count]

	for i := uint64(0); i < count; i++ {
		chunk := data[i*size : (i+1)*size]

		var err error
		if direction == kvm.IODirectionIn {
			err = v.m.pio.Read(port, chunk)
		} else {
			err = v.m.pio.Write(port, chunk)
		}

		if err != nil && !errors.Is(err, bus.ErrUnmappedAddress) {
			return fmt.Errorf("pio %#x: %w", port, err)
		}
	}

	return nil
}

func (v *VCPU) handleMMIO() error {
	physAddr, data, isWrite := v.run.MMIO()

	var err error
	if isWrite {
		err = v.m.mmio.Write(physAddr, data)
	} else {
		err = v.m.mmio.Read(physAddr, data)
	}

	if err != nil && !errors.Is(err, bus.ErrUnmappedAddress) {
		return fmt.Errorf("mmio %#x: %w", physAddr, err)
	}

	return nil
}

// internalError decorates a KVM internal error with the instruction
// stream at the fault, fetched by guest-physical RIP. Decor failures are
// swallowed: the suberror alone still identifies the fault.
func (v *VCPU) internalError() error {
	err := fmt.Errorf("%w: suberror %d", kvm.ErrInternalError, v.run.InternalError())

	regs, regErr := kvm.GetRegs(v.fd)
	if regErr != nil {
		return err
	}

	code := make([]byte, vcpu.DisasmWindow)
	if memErr := v.m.mem.ReadAt(code, regs.RIP); memErr != nil {
		return err
	}

	return fmt.Errorf("%w\n%s", err, vcpu.DisasmContext(regs.RIP, code))
}

// SetImmediateExit arms or disarms the immediate-exit byte in the shared
// kvm_run mapping. The kernel reads it on every KVM_RUN entry.
func (v *VCPU) SetImmediateExit(val bool) {
	v.immedMu.Lock()
	defer v.immedMu.Unlock()

	if val {
		v.run.ImmediateExit = 1
	} else {
		v.run.ImmediateExit = 0
	}
}

// Kick interrupts the run thread's current or next KVM_RUN with a signal.
// Callers arm SetImmediateExit first so the interrupt cannot be lost
// between the signal and the next entry.
func (v *VCPU) Kick() error {
	tid := v.tid.Load()
	if tid == 0 {
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), int(tid), kickSignal); err != nil {
		return fmt.Errorf("kick vcpu %d: %w", v.id, err)
	}

	return nil
}

func (v *VCPU) close() error {
	var firstErr error

	if v.raw != nil {
		if err := unix.Munmap(v.raw); err != nil {
			firstErr = err
		}

		v.raw = nil
		v.run = nil
	}

	if err := unix.Close(int(v.fd)); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

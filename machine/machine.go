// Package machine assembles one microVM: a KVM virtual machine, its guest
// address space, the port-IO and MMIO device buses and the attached
// device models. It owns every KVM file descriptor and hands the per-CPU
// run loop to the vcpu package through the Runner seam.
package machine

//                 GuestPhysAddr
//
//                 0x00000000    +------------------+
//                               |                  |
//                               |   guest RAM      |
//                               |   (low region)   |
//                               |                  |
//                 0xc0000000    +------------------+
//                               |   MMIO window    |
//                 0xd0000000    |    virtio-blk    |
//                               +------------------+
//                 0xffffc000    |  identity map    |
//                 0xffffd000    |  TSS (3 pages)   |
//                0x100000000    +------------------+
//                               |   guest RAM      |
//                               |  (high region)   |
//                               +------------------+

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kuvisor/kuvisor/bus"
	"github.com/kuvisor/kuvisor/device"
	"github.com/kuvisor/kuvisor/kvm"
	"github.com/kuvisor/kuvisor/loader"
	"github.com/kuvisor/kuvisor/memory"
	"github.com/kuvisor/kuvisor/mmds"
	"github.com/kuvisor/kuvisor/ratelimit"
)

const (
	// lowMemMax caps the low RAM region; memory beyond it is remapped
	// above 4 GiB, clear of the MMIO window and the VMX setup pages.
	lowMemMax  = 0xc0000000
	highMemMin = 0x100000000

	// virtioBlkAddr is the MMIO window of the block device transport.
	virtioBlkAddr = 0xd0000000
	virtioBlkIRQ  = 5
)

var (
	// ErrNoCPUs means the config asked for a machine without vCPUs.
	ErrNoCPUs = errors.New("machine needs at least one vcpu")

	// ErrNoMemory means the config asked for a machine without RAM.
	ErrNoMemory = errors.New("machine needs a non-zero memory size")
)

// Config describes the machine to build. Optional collaborators default
// to inert implementations.
type Config struct {
	NCPUs   int
	MemSize uint64

	// SerialSink receives guest console output as it is written. Nil
	// discards nothing; output is always buffered for snapshots.
	SerialSink io.Writer

	// Clock feeds the emulated CMOS RTC. Nil means time.Now.
	Clock func() time.Time

	// Disk backs the virtio block device; nil attaches no disk.
	Disk      device.BlockFile
	DiskSize  uint64
	DiskLimit ratelimit.Limiter

	// Metadata answers guest metadata requests. Nil means an empty
	// store.
	Metadata mmds.Handler
}

// Machine is one assembled microVM.
type Machine struct {
	kvmFile *os.File
	vmFd    uintptr

	cfg Config
	mem *memory.AddressSpace

	pio  *bus.Bus
	mmio *bus.Bus

	vcpus []*VCPU

	// stateful holds the devices that participate in snapshots, in
	// attach order.
	stateful []device.Device

	serial *device.Serial
	block  *device.MMIO
}

// New builds the machine: VM creation, memory slots, vCPU file
// descriptors and the device complement. The guest does not run until a
// vCPU engine enters RunOnce.
func New(cfg Config) (*Machine, error) {
	if cfg.NCPUs < 1 {
		return nil, ErrNoCPUs
	}

	if cfg.MemSize == 0 {
		return nil, ErrNoMemory
	}

	m := &Machine{
		cfg:  cfg,
		mem:  memory.New(),
		pio:  bus.New("pio"),
		mmio: bus.New("mmio"),
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("/dev/kvm: %w", err)
	}

	m.kvmFile = devKVM

	if err := m.initVM(); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.initMemory(); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.initVCPUs(); err != nil {
		m.Close()

		return nil, err
	}

	if err := m.attachDevices(); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) kvmFd() uintptr { return m.kvmFile.Fd() }

func (m *Machine) initVM() error {
	version, err := kvm.GetAPIVersion(m.kvmFd())
	if err != nil {
		return fmt.Errorf("GetAPIVersion: %w", err)
	}

	if version != kvm.APIVersion {
		return fmt.Errorf("%w: got %d want %d", kvm.ErrAPIVersion, version, kvm.APIVersion)
	}

	for _, c := range []kvm.Capability{kvm.CapIRQChip, kvm.CapUserMemory, kvm.CapImmediateExit} {
		ok, err := kvm.CheckExtension(m.kvmFd(), c)
		if err != nil {
			return fmt.Errorf("CheckExtension %d: %w", c, err)
		}

		if ok == 0 {
			return fmt.Errorf("%w: %d", kvm.ErrMissingCapability, c)
		}
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd()); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return fmt.Errorf("CreatePIT2: %w", err)
	}

	return nil
}

func (m *Machine) initMemory() error {
	low := m.cfg.MemSize
	if low > lowMemMax {
		low = lowMemMax
	}

	if _, err := m.mem.Map(0, low, false); err != nil {
		return err
	}

	if rest := m.cfg.MemSize - low; rest > 0 {
		if _, err := m.mem.Map(highMemMin, rest, false); err != nil {
			return err
		}
	}

	for i, r := range m.mem.Regions() {
		r.Slot = uint32(i)

		region := &kvm.UserspaceMemoryRegion{
			Slot:          r.Slot,
			GuestPhysAddr: r.GuestBase,
			MemorySize:    r.Size,
			UserspaceAddr: r.HostAddr(),
		}
		region.SetMemLogDirtyPages()

		if err := kvm.SetUserMemoryRegion(m.vmFd, region); err != nil {
			return fmt.Errorf("SetUserMemoryRegion slot %d: %w", r.Slot, err)
		}
	}

	return nil
}

func (m *Machine) initVCPUs() error {
	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd())
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	m.vcpus = make([]*VCPU, m.cfg.NCPUs)

	for i := range m.vcpus {
		fd, err := kvm.CreateVCPU(m.vmFd, i)
		if err != nil {
			return fmt.Errorf("CreateVCPU %d: %w", i, err)
		}

		v, err := newVCPU(m, i, fd, int(mmapSize))
		if err != nil {
			return err
		}

		m.vcpus[i] = v

		if err := m.initCPUID(fd); err != nil {
			return err
		}
	}

	return nil
}

// initCPUID installs the host-supported CPUID with the hypervisor
// signature leaf and the performance monitoring leaf masked off.
func (m *Machine) initCPUID(vcpuFd uintptr) error {
	cpuid := kvm.CPUID{Nent: kvm.MaxCPUIDEntries}

	if err := kvm.GetSupportedCPUID(m.kvmFd(), &cpuid); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case kvm.CPUIDSignature:
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
			cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
			cpuid.Entries[i].Edx = 0x4d       // M
		}
	}

	if err := kvm.SetCPUID2(vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("SetCPUID2: %w", err)
	}

	return nil
}

func (m *Machine) attachDevices() error {
	irq := func(line uint32) device.InterruptLine {
		return func() error { return m.InjectIRQ(line) }
	}

	clock := m.cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	meta := m.cfg.Metadata
	if meta == nil {
		meta = mmds.NewStore()
	}

	m.serial = device.NewSerial(m.cfg.SerialSink, irq(device.SerialIRQ))
	rtc := device.NewRTC(clock)
	metaDev := device.NewMMDS(meta)

	type mapping struct {
		base uint64
		size uint64
		dev  device.Device
	}

	pioDevs := []mapping{
		{device.COM1Addr, 8, m.serial},
		{device.RTCAddr, 2, rtc},
		{device.MMDSPort, 2, metaDev},
		{0x60, 0x10, device.I8042{}},
		// Port ranges guests probe during boot but the monitor does not
		// model.
		{0x80, 0x20, &device.Noop{Label: "dma-page"}},
		{0x2e8, 8, &device.Noop{Label: "com4"}},
		{0x2f8, 8, &device.Noop{Label: "com2"}},
		{0x3b4, 2, &device.Noop{Label: "vga-mono"}},
		{0x3c0, 0x1b, &device.Noop{Label: "vga"}},
		{0x3e8, 8, &device.Noop{Label: "com3"}},
		{0xcf8, 8, &device.Noop{Label: "pci-config"}},
	}

	for _, d := range pioDevs {
		if err := m.pio.Register(d.base, d.size, d.dev); err != nil {
			return fmt.Errorf("attach %s: %w", d.dev.Name(), err)
		}
	}

	m.stateful = []device.Device{m.serial, rtc, metaDev}

	if m.cfg.Disk != nil {
		lim := m.cfg.DiskLimit
		if lim == nil {
			lim = ratelimit.Unlimited()
		}

		blk := device.NewBlock(m.cfg.Disk, m.cfg.DiskSize, lim)
		m.block = device.NewMMIO("virtio-blk", m.mem, irq(virtioBlkIRQ), blk)
		blk.Attach(m.block)

		if err := m.mmio.Register(virtioBlkAddr, device.MMIOSize, m.block); err != nil {
			return fmt.Errorf("attach virtio-blk: %w", err)
		}

		m.stateful = append(m.stateful, m.block)
	}

	return nil
}

// LoadImage places the boot source in guest memory and points every vCPU
// at its entry point.
func (m *Machine) LoadImage(l loader.Loader) error {
	res, err := l.Load(m.mem)
	if err != nil {
		return err
	}

	for _, v := range m.vcpus {
		if err := m.initRegs(v.fd, res.Entry, res.BootParams); err != nil {
			return err
		}

		if err := m.initSregs(v.fd); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) initRegs(vcpuFd uintptr, entry, bootParams uint64) error {
	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSI = bootParams

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	return nil
}

// initSregs flattens every segment over the whole address space and
// enters protected mode, the state a 32-bit boot entry expects.
func (m *Machine) initSregs(vcpuFd uintptr) error {
	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	return nil
}

// InjectIRQ pulses a GSI on the in-kernel irqchip.
func (m *Machine) InjectIRQ(line uint32) error {
	if err := kvm.IRQLine(m.vmFd, line, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, line, 1)
}

// VCPUs returns the machine's vCPUs in index order.
func (m *Machine) VCPUs() []*VCPU {
	return m.vcpus
}

// Mem returns the guest address space.
func (m *Machine) Mem() *memory.AddressSpace {
	return m.mem
}

// Serial returns the console UART.
func (m *Machine) Serial() *device.Serial {
	return m.serial
}

// PauseDevices quiesces device background workers so guest memory and
// device state stay stable while the machine is paused.
func (m *Machine) PauseDevices() {
	if m.block != nil {
		m.block.Pause()
	}
}

// ResumeDevices restarts the workers stopped by PauseDevices.
func (m *Machine) ResumeDevices() {
	if m.block != nil {
		m.block.Resume()
	}
}

// SyncDirty folds KVM's per-slot dirty logs into the address space's
// bitmap, so the next DrainDirty covers device-side and guest-side writes
// alike.
func (m *Machine) SyncDirty() error {
	for _, r := range m.mem.Regions() {
		pages := (r.Size + memory.PageSize - 1) / memory.PageSize
		words := (pages + 63) / 64
		bitmap := make([]uint64, words)

		dl := &kvm.DirtyLog{Slot: r.Slot}
		dl.SetBitmap(bitmap)

		if err := kvm.GetDirtyLog(m.vmFd, dl); err != nil {
			return fmt.Errorf("GetDirtyLog slot %d: %w", r.Slot, err)
		}

		// Shift the slot-relative bitmap to its place in the global page
		// index. Region bases are aligned far beyond word granularity.
		offset := r.GuestBase / memory.PageSize / 64
		global := make([]uint64, offset+uint64(words))
		copy(global[offset:], bitmap)

		m.mem.MergeDirty(global)
	}

	return nil
}

// Close releases every resource: device workers, vCPU mmaps and file
// descriptors, guest memory and the VM itself.
func (m *Machine) Close() error {
	var firstErr error

	if m.block != nil {
		if err := m.block.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, v := range m.vcpus {
		if v == nil {
			continue
		}

		if err := v.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.vmFd != 0 {
		if err := unix.Close(int(m.vmFd)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.mem != nil {
		if err := m.mem.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.kvmFile != nil {
		if err := m.kvmFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

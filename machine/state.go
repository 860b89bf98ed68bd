package machine

// Snapshot helpers. Each Save* method captures quiesced state into
// snapshot.* types; each Restore* method applies it back. Every vCPU must
// be parked before any of these run.

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kuvisor/kuvisor/kvm"
	"github.com/kuvisor/kuvisor/snapshot"
)

// deviceSchemaVersion stamps device blobs in the manifest. Bump when a
// device's state encoding changes shape.
const deviceSchemaVersion = 1

var (
	// ErrConfigMismatch means a manifest was taken from a machine with a
	// different shape than the restore target.
	ErrConfigMismatch = errors.New("snapshot config does not match machine")

	// ErrUnknownDevice means a manifest carries state for a device this
	// machine does not have attached.
	ErrUnknownDevice = errors.New("snapshot contains state for an unattached device")
)

// structBytes returns a byte slice aliasing the memory of v, which must
// point to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// msrIndexList retrieves the MSR indices supported by this host.
func (m *Machine) msrIndexList() ([]uint32, error) {
	list := &kvm.MSRList{}

	// First call: E2BIG tells us how many entries there are.
	err := kvm.GetMSRIndexList(m.kvmFd(), list)
	if err != nil && !errors.Is(err, unix.E2BIG) {
		return nil, fmt.Errorf("GetMSRIndexList probe: %w", err)
	}

	// The kernel wrote the required count; it must fit our in-line
	// storage before we let the refetch fill it.
	if list.NMSRs > kvm.MaxMSREntries {
		return nil, fmt.Errorf("host reports %d MSR indices, buffer holds %d",
			list.NMSRs, kvm.MaxMSREntries)
	}

	// Second call: the count is now right.
	if err := kvm.GetMSRIndexList(m.kvmFd(), list); err != nil {
		return nil, fmt.Errorf("GetMSRIndexList fetch: %w", err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}

// SaveCPUState captures the full architectural state of one vCPU.
func (m *Machine) SaveCPUState(cpu int) (snapshot.VCPUState, error) {
	var state snapshot.VCPUState

	fd := m.vcpus[cpu].fd

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return state, fmt.Errorf("GetRegs cpu%d: %w", cpu, err)
	}

	state.Regs = cloneBytes(structBytes(regs))

	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return state, fmt.Errorf("GetSregs cpu%d: %w", cpu, err)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	fpu := &kvm.FPU{}
	if err := kvm.GetFPU(fd, fpu); err != nil {
		return state, fmt.Errorf("GetFPU cpu%d: %w", cpu, err)
	}

	state.FPU = cloneBytes(structBytes(fpu))

	indices, err := m.msrIndexList()
	if err != nil {
		return state, err
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(fd, msrs); err != nil {
		return state, fmt.Errorf("GetMSRs cpu%d: %w", cpu, err)
	}

	state.MSRs = make([]snapshot.MSREntry, msrs.NMSRs)
	for i := range state.MSRs {
		state.MSRs[i] = snapshot.MSREntry{
			Index: msrs.Entries[i].Index,
			Data:  msrs.Entries[i].Data,
		}
	}

	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(fd, lapic); err != nil {
		return state, fmt.Errorf("GetLocalAPIC cpu%d: %w", cpu, err)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(fd, events); err != nil {
		return state, fmt.Errorf("GetVCPUEvents cpu%d: %w", cpu, err)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvm.MPState{}
	if err := kvm.GetMPState(fd, mps); err != nil {
		return state, fmt.Errorf("GetMPState cpu%d: %w", cpu, err)
	}

	state.MPState = mps.State

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(fd, dregs); err != nil {
		return state, fmt.Errorf("GetDebugRegs cpu%d: %w", cpu, err)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(fd, xcrs); err != nil {
		return state, fmt.Errorf("GetXCRS cpu%d: %w", cpu, err)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	return state, nil
}

// RestoreCPUState applies a captured vCPU state. Ordering matters: MSRs
// and extended control registers go in before the register files that
// depend on the modes they enable.
func (m *Machine) RestoreCPUState(cpu int, state snapshot.VCPUState) error {
	if len(state.MSRs) > kvm.MaxMSREntries {
		return fmt.Errorf("%w: %d MSR entries, maximum %d",
			ErrConfigMismatch, len(state.MSRs), kvm.MaxMSREntries)
	}

	fd := m.vcpus[cpu].fd

	xcrs := &kvm.XCRS{}
	if err := copyStruct(xcrs, state.XCRS); err != nil {
		return err
	}

	if err := kvm.SetXCRS(fd, xcrs); err != nil {
		return fmt.Errorf("SetXCRS cpu%d: %w", cpu, err)
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(state.MSRs))}
	for i, e := range state.MSRs {
		msrs.Entries[i] = kvm.MSREntry{Index: e.Index, Data: e.Data}
	}

	if err := kvm.SetMSRs(fd, msrs); err != nil {
		return fmt.Errorf("SetMSRs cpu%d: %w", cpu, err)
	}

	sregs := &kvm.Sregs{}
	if err := copyStruct(sregs, state.Sregs); err != nil {
		return err
	}

	if err := kvm.SetSregs(fd, sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", cpu, err)
	}

	regs := &kvm.Regs{}
	if err := copyStruct(regs, state.Regs); err != nil {
		return err
	}

	if err := kvm.SetRegs(fd, regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", cpu, err)
	}

	fpu := &kvm.FPU{}
	if err := copyStruct(fpu, state.FPU); err != nil {
		return err
	}

	if err := kvm.SetFPU(fd, fpu); err != nil {
		return fmt.Errorf("SetFPU cpu%d: %w", cpu, err)
	}

	lapic := &kvm.LAPICState{}
	if err := copyStruct(lapic, state.LAPIC); err != nil {
		return err
	}

	if err := kvm.SetLocalAPIC(fd, lapic); err != nil {
		return fmt.Errorf("SetLocalAPIC cpu%d: %w", cpu, err)
	}

	events := &kvm.VCPUEvents{}
	if err := copyStruct(events, state.Events); err != nil {
		return err
	}

	if err := kvm.SetVCPUEvents(fd, events); err != nil {
		return fmt.Errorf("SetVCPUEvents cpu%d: %w", cpu, err)
	}

	if err := kvm.SetMPState(fd, &kvm.MPState{State: state.MPState}); err != nil {
		return fmt.Errorf("SetMPState cpu%d: %w", cpu, err)
	}

	dregs := &kvm.DebugRegs{}
	if err := copyStruct(dregs, state.DebugRegs); err != nil {
		return err
	}

	if err := kvm.SetDebugRegs(fd, dregs); err != nil {
		return fmt.Errorf("SetDebugRegs cpu%d: %w", cpu, err)
	}

	return nil
}

// SaveVMState captures machine-level hardware state: clock, both PICs,
// the IOAPIC and the PIT.
func (m *Machine) SaveVMState() (snapshot.VMState, error) {
	var state snapshot.VMState

	clock := &kvm.ClockData{}
	if err := kvm.GetClock(m.vmFd, clock); err != nil {
		return state, fmt.Errorf("GetClock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(clock))

	chips := []*[]byte{&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC}
	for id, dst := range chips {
		chip := &kvm.IRQChip{ChipID: uint32(id)}
		if err := kvm.GetIRQChip(m.vmFd, chip); err != nil {
			return state, fmt.Errorf("GetIRQChip %d: %w", id, err)
		}

		*dst = cloneBytes(structBytes(chip))
	}

	pit := &kvm.PITState2{}
	if err := kvm.GetPIT2(m.vmFd, pit); err != nil {
		return state, fmt.Errorf("GetPIT2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies machine-level hardware state.
func (m *Machine) RestoreVMState(state snapshot.VMState) error {
	clock := &kvm.ClockData{}
	if err := copyStruct(clock, state.Clock); err != nil {
		return err
	}

	// Flags are output-only on GetClock.
	clock.Flags = 0

	if err := kvm.SetClock(m.vmFd, clock); err != nil {
		return fmt.Errorf("SetClock: %w", err)
	}

	for id, src := range [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC} {
		chip := &kvm.IRQChip{}
		if err := copyStruct(chip, src); err != nil {
			return err
		}

		chip.ChipID = uint32(id)

		if err := kvm.SetIRQChip(m.vmFd, chip); err != nil {
			return fmt.Errorf("SetIRQChip %d: %w", id, err)
		}
	}

	pit := &kvm.PITState2{}
	if err := copyStruct(pit, state.PIT2); err != nil {
		return err
	}

	if err := kvm.SetPIT2(m.vmFd, pit); err != nil {
		return fmt.Errorf("SetPIT2: %w", err)
	}

	return nil
}

// SaveDeviceState captures every stateful device into named blobs.
func (m *Machine) SaveDeviceState() ([]snapshot.DeviceBlob, error) {
	blobs := make([]snapshot.DeviceBlob, 0, len(m.stateful))

	for _, d := range m.stateful {
		data, err := d.Save()
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", d.Name(), err)
		}

		blobs = append(blobs, snapshot.DeviceBlob{
			Name:    d.Name(),
			Version: deviceSchemaVersion,
			Data:    data,
		})
	}

	return blobs, nil
}

// RestoreDeviceState applies device blobs by name. A blob for a device
// that is not attached fails the restore rather than being dropped.
func (m *Machine) RestoreDeviceState(blobs []snapshot.DeviceBlob) error {
	byName := make(map[string]int, len(m.stateful))
	for i, d := range m.stateful {
		byName[d.Name()] = i
	}

	for _, b := range blobs {
		i, ok := byName[b.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, b.Name)
		}

		if err := m.stateful[i].Restore(b.Data); err != nil {
			return fmt.Errorf("restore %s: %w", b.Name, err)
		}
	}

	return nil
}

// SnapshotConfig describes this machine in manifest terms.
func (m *Machine) SnapshotConfig() snapshot.Config {
	return snapshot.Config{NCPUs: m.cfg.NCPUs, MemSize: m.cfg.MemSize}
}

// RegionDescs lists the memory layout for the manifest.
func (m *Machine) RegionDescs() []snapshot.RegionDesc {
	regions := m.mem.Regions()
	descs := make([]snapshot.RegionDesc, len(regions))

	for i, r := range regions {
		descs[i] = snapshot.RegionDesc{GuestBase: r.GuestBase, Size: r.Size}
	}

	return descs
}

// CheckManifest verifies a manifest fits this machine before any state is
// touched.
func (m *Machine) CheckManifest(man *snapshot.Manifest) error {
	if man.Config != m.SnapshotConfig() {
		return fmt.Errorf("%w: manifest %+v, machine %+v",
			ErrConfigMismatch, man.Config, m.SnapshotConfig())
	}

	// Config.NCPUs and the vCPU state list decode independently; a
	// manifest carrying the wrong number of states must not get as far
	// as the per-vCPU restore loop.
	if len(man.VCPUs) != m.cfg.NCPUs {
		return fmt.Errorf("%w: %d vcpu states for %d vcpus",
			ErrConfigMismatch, len(man.VCPUs), m.cfg.NCPUs)
	}

	descs := m.RegionDescs()
	if len(man.Regions) != len(descs) {
		return fmt.Errorf("%w: region count", ErrConfigMismatch)
	}

	for i, r := range man.Regions {
		if r != descs[i] {
			return fmt.Errorf("%w: region %d", ErrConfigMismatch, i)
		}
	}

	return nil
}

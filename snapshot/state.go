// Package snapshot defines the on-disk snapshot format: a versioned,
// gob-encoded manifest for machine and device state, and a separate raw
// memory image (full or dirty-layer). The manifest version is framed
// outside the encoded payload so compatibility is decided before any
// decoding happens.
package snapshot

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary hypervisor structs are stored as raw byte slices to preserve
// their exact in-memory layout (including padding) without encoding
// ambiguity.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	FPU       []byte
	MSRs      []MSREntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRS      []byte
}

// VMState holds machine-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte
	IRQChipPIC0   []byte
	IRQChipPIC1   []byte
	IRQChipIOAPIC []byte
	PIT2          []byte
}

// DeviceBlob is one emulated device's saved state, keyed by the device
// name it was attached under. Version is the device's own schema version,
// independent of the manifest version.
type DeviceBlob struct {
	Name    string
	Version uint32
	Data    []byte
}

// RegionDesc describes one guest memory region so the restoring side can
// rebuild an identical address space before loading the memory image.
type RegionDesc struct {
	GuestBase uint64
	Size      uint64
}

// Config is the machine shape the snapshot was taken from. Restore
// refuses a manifest whose config does not match the target machine.
type Config struct {
	NCPUs   int
	MemSize uint64
}

// Manifest is the complete snapshot minus guest memory, which travels
// separately as a memory image.
type Manifest struct {
	CreatedUnix int64
	Config      Config
	Regions     []RegionDesc
	VCPUs       []VCPUState
	VM          VMState
	Devices     []DeviceBlob
}

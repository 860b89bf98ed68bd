package device

import (
	"encoding/binary"
	"sync"

	"github.com/kuvisor/kuvisor/memory"
)

// virtio-mmio register map (virtio 1.x, modern interface only).
const (
	mmioMagic             = 0x000
	mmioVersion           = 0x004
	mmioDeviceID          = 0x008
	mmioVendorID          = 0x00c
	mmioDeviceFeatures    = 0x010
	mmioDeviceFeaturesSel = 0x014
	mmioDriverFeatures    = 0x020
	mmioDriverFeaturesSel = 0x024
	mmioQueueSel          = 0x030
	mmioQueueNumMax       = 0x034
	mmioQueueNum          = 0x038
	mmioQueueReady        = 0x044
	mmioQueueNotify       = 0x050
	mmioInterruptStatus   = 0x060
	mmioInterruptACK      = 0x064
	mmioStatus            = 0x070
	mmioQueueDescLow      = 0x080
	mmioQueueDescHigh     = 0x084
	mmioQueueAvailLow     = 0x090
	mmioQueueAvailHigh    = 0x094
	mmioQueueUsedLow      = 0x0a0
	mmioQueueUsedHigh     = 0x0a4
	mmioConfigGeneration  = 0x0fc
	mmioConfig            = 0x100

	mmioMagicValue = 0x74726976 // "virt"
	mmioVendor     = 0x554d4551

	// InterruptVring flags a used-ring update in InterruptStatus.
	InterruptVring = 1 << 0

	// MMIOSize is the register window size each transport occupies.
	MMIOSize = 0x200

	queueNumMax = 256
)

// Backend is one virtio device model behind an MMIO transport: it
// declares its identity and features, answers config-space reads and
// processes queues when the guest kicks them. Notify may hand the work to
// a background thread; the transport's queue accessors are safe to use
// from it.
type Backend interface {
	DeviceID() uint32
	Features() uint64
	NumQueues() int
	ReadConfig(off uint64, data []byte)
	Notify(queue int)

	// Pause returns once in-flight work has finished and keeps the
	// backend idle; guest memory stays untouched until Resume. Kicks
	// arriving while paused are processed after Resume.
	Pause()
	Resume()

	Close() error
}

type queueRegs struct {
	Num   uint32
	Ready uint32
	Desc  uint64
	Avail uint64
	Used  uint64

	LastAvail uint16
}

// MMIO is a virtio-mmio transport bound to one backend.
type MMIO struct {
	mu sync.Mutex

	mem     *memory.AddressSpace
	irq     InterruptLine
	backend Backend
	label   string

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	intrStatus        uint32

	queues []queueRegs
}

// NewMMIO wires backend into a fresh transport.
func NewMMIO(label string, mem *memory.AddressSpace, irq InterruptLine, backend Backend) *MMIO {
	return &MMIO{
		mem:     mem,
		irq:     irq,
		backend: backend,
		label:   label,
		queues:  make([]queueRegs, backend.NumQueues()),
	}
}

func (m *MMIO) Name() string { return m.label }

// Queue materializes a Virtqueue view of queue i for the backend. It
// returns ok=false until the driver marks the queue ready.
func (m *MMIO) Queue(i int) (*Virtqueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i >= len(m.queues) || m.queues[i].Ready == 0 || m.queues[i].Num == 0 {
		return nil, false
	}

	q := m.queues[i]

	return &Virtqueue{
		Mem:       m.mem,
		Num:       uint16(q.Num),
		Desc:      q.Desc,
		Avail:     q.Avail,
		Used:      q.Used,
		LastAvail: q.LastAvail,
	}, true
}

// CommitQueue stores the backend's consumed-index progress back into the
// transport so it survives snapshots.
func (m *MMIO) CommitQueue(i int, q *Virtqueue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < len(m.queues) {
		m.queues[i].LastAvail = q.LastAvail
	}
}

// SignalUsed raises the used-buffer interrupt.
func (m *MMIO) SignalUsed() error {
	m.mu.Lock()
	m.intrStatus |= InterruptVring
	m.mu.Unlock()

	return m.irq()
}

func (m *MMIO) Read(off uint64, data []byte) error {
	if off >= mmioConfig {
		m.backend.ReadConfig(off-mmioConfig, data)

		return nil
	}

	if len(data) != 4 {
		return errDataLenInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var v uint32

	switch off {
	case mmioMagic:
		v = mmioMagicValue
	case mmioVersion:
		v = 2
	case mmioDeviceID:
		v = m.backend.DeviceID()
	case mmioVendorID:
		v = mmioVendor
	case mmioDeviceFeatures:
		f := m.backend.Features() | 1<<32 // VIRTIO_F_VERSION_1
		if m.deviceFeaturesSel == 1 {
			v = uint32(f >> 32)
		} else {
			v = uint32(f)
		}
	case mmioQueueNumMax:
		v = queueNumMax
	case mmioQueueNum:
		v = m.sel().Num
	case mmioQueueReady:
		v = m.sel().Ready
	case mmioInterruptStatus:
		v = m.intrStatus
	case mmioStatus:
		v = m.status
	case mmioConfigGeneration:
		v = 0
	}

	binary.LittleEndian.PutUint32(data, v)

	return nil
}

func (m *MMIO) sel() *queueRegs {
	if int(m.queueSel) >= len(m.queues) {
		return &queueRegs{}
	}

	return &m.queues[m.queueSel]
}

func (m *MMIO) Write(off uint64, data []byte) error {
	if off >= mmioConfig {
		return nil // config space is read-only for our backends
	}

	if len(data) != 4 {
		return errDataLenInvalid
	}

	v := binary.LittleEndian.Uint32(data)

	m.mu.Lock()

	switch off {
	case mmioDeviceFeaturesSel:
		m.deviceFeaturesSel = v
	case mmioDriverFeaturesSel:
		m.driverFeaturesSel = v
	case mmioDriverFeatures:
		if m.driverFeaturesSel == 1 {
			m.driverFeatures = m.driverFeatures&0xffffffff | uint64(v)<<32
		} else {
			m.driverFeatures = m.driverFeatures&^uint64(0xffffffff) | uint64(v)
		}
	case mmioQueueSel:
		m.queueSel = v
	case mmioQueueNum:
		m.sel().Num = v
	case mmioQueueReady:
		q := m.sel()
		// A queue the driver never sized can never be walked; refuse to
		// mark it live.
		if v != 0 && (q.Num == 0 || q.Num > queueNumMax) {
			break
		}

		q.Ready = v
	case mmioQueueDescLow:
		q := m.sel()
		q.Desc = q.Desc&^uint64(0xffffffff) | uint64(v)
	case mmioQueueDescHigh:
		q := m.sel()
		q.Desc = q.Desc&0xffffffff | uint64(v)<<32
	case mmioQueueAvailLow:
		q := m.sel()
		q.Avail = q.Avail&^uint64(0xffffffff) | uint64(v)
	case mmioQueueAvailHigh:
		q := m.sel()
		q.Avail = q.Avail&0xffffffff | uint64(v)<<32
	case mmioQueueUsedLow:
		q := m.sel()
		q.Used = q.Used&^uint64(0xffffffff) | uint64(v)
	case mmioQueueUsedHigh:
		q := m.sel()
		q.Used = q.Used&0xffffffff | uint64(v)<<32
	case mmioInterruptACK:
		m.intrStatus &^= v
	case mmioStatus:
		m.status = v
	case mmioQueueNotify:
		m.mu.Unlock()
		m.backend.Notify(int(v))

		return nil
	}

	m.mu.Unlock()

	return nil
}

type mmioState struct {
	Status            uint32
	DeviceFeaturesSel uint32
	DriverFeaturesSel uint32
	DriverFeatures    uint64
	QueueSel          uint32
	IntrStatus        uint32
	Queues            []queueRegs
}

// Save captures transport and ring-progress state. Queue contents live in
// guest memory and travel with the memory image.
func (m *MMIO) Save() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return encodeState(&mmioState{
		Status:            m.status,
		DeviceFeaturesSel: m.deviceFeaturesSel,
		DriverFeaturesSel: m.driverFeaturesSel,
		DriverFeatures:    m.driverFeatures,
		QueueSel:          m.queueSel,
		IntrStatus:        m.intrStatus,
		Queues:            append([]queueRegs(nil), m.queues...),
	})
}

func (m *MMIO) Restore(data []byte) error {
	var st mmioState
	if err := decodeState(data, &st); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = st.Status
	m.deviceFeaturesSel = st.DeviceFeaturesSel
	m.driverFeaturesSel = st.DriverFeaturesSel
	m.driverFeatures = st.DriverFeatures
	m.queueSel = st.QueueSel
	m.intrStatus = st.IntrStatus

	if len(st.Queues) == len(m.queues) {
		copy(m.queues, st.Queues)
	}

	return nil
}

// Pause quiesces the backend so rings and buffers in guest memory stay
// stable until Resume.
func (m *MMIO) Pause() { m.backend.Pause() }

// Resume lets the backend process queues again.
func (m *MMIO) Resume() { m.backend.Resume() }

// Close stops the backend's background work.
func (m *MMIO) Close() error {
	return m.backend.Close()
}

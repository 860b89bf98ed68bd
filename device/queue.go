package device

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kuvisor/kuvisor/memory"
)

// Split virtqueue layout constants (virtio 1.x).
const (
	descSize = 16

	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

var (
	errDescChainLoop = errors.New("virtqueue descriptor chain loops")
	errDescBadIndex  = errors.New("virtqueue descriptor index out of range")
	errQueueZeroSize = errors.New("virtqueue has zero size")
)

// DescBuf is one resolved descriptor: a host view of the guest buffer and
// whether the device may write it.
type DescBuf struct {
	Data         []byte
	DeviceWrites bool
}

// Virtqueue walks a guest split ring through the address space. All
// pointer chasing goes through Translate so a corrupt ring surfaces as an
// error instead of a stray host access.
type Virtqueue struct {
	Mem   *memory.AddressSpace
	Num   uint16
	Desc  uint64
	Avail uint64
	Used  uint64

	LastAvail uint16
}

func (q *Virtqueue) availIdx() (uint16, error) {
	b, err := q.Mem.Translate(q.Avail+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Virtqueue) availRing(i uint16) (uint16, error) {
	b, err := q.Mem.Translate(q.Avail+4+uint64(i%q.Num)*2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Virtqueue) desc(i uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	if i >= q.Num {
		return 0, 0, 0, 0, fmt.Errorf("%w: %d >= %d", errDescBadIndex, i, q.Num)
	}

	b, err := q.Mem.Translate(q.Desc+uint64(i)*descSize, descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	addr = binary.LittleEndian.Uint64(b[0:8])
	length = binary.LittleEndian.Uint32(b[8:12])
	flags = binary.LittleEndian.Uint16(b[12:14])
	next = binary.LittleEndian.Uint16(b[14:16])

	return addr, length, flags, next, nil
}

// Pop returns the next available descriptor chain, or ok=false when the
// ring is empty. The head index is needed later for PushUsed.
func (q *Virtqueue) Pop() (bufs []DescBuf, head uint16, ok bool, err error) {
	if q.Num == 0 {
		return nil, 0, false, errQueueZeroSize
	}

	idx, err := q.availIdx()
	if err != nil {
		return nil, 0, false, err
	}

	if q.LastAvail == idx {
		return nil, 0, false, nil
	}

	head, err = q.availRing(q.LastAvail)
	if err != nil {
		return nil, 0, false, err
	}

	i := head

	for n := 0; ; n++ {
		if n > int(q.Num) {
			return nil, 0, false, errDescChainLoop
		}

		addr, length, flags, next, err := q.desc(i)
		if err != nil {
			return nil, 0, false, err
		}

		data, err := q.Mem.Translate(addr, uint64(length))
		if err != nil {
			return nil, 0, false, fmt.Errorf("virtqueue buffer: %w", err)
		}

		write := flags&descFlagWrite != 0
		if write {
			// The device may fill this buffer; count it dirty now so
			// the write never slips past a dirty-log cycle.
			q.Mem.MarkDirty(addr, uint64(length))
		}

		bufs = append(bufs, DescBuf{Data: data, DeviceWrites: write})

		if flags&descFlagNext == 0 {
			break
		}

		i = next
	}

	q.LastAvail++

	return bufs, head, true, nil
}

// PushUsed publishes a completed chain: used-ring element first, index
// afterwards, matching the ordering the driver relies on.
func (q *Virtqueue) PushUsed(head uint16, written uint32) error {
	if q.Num == 0 {
		return errQueueZeroSize
	}

	idxB, err := q.Mem.Translate(q.Used+2, 2)
	if err != nil {
		return err
	}

	idx := binary.LittleEndian.Uint16(idxB)

	elem, err := q.Mem.Translate(q.Used+4+uint64(idx%q.Num)*8, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)

	binary.LittleEndian.PutUint16(idxB, idx+1)

	q.Mem.MarkDirty(q.Used, 4+uint64(q.Num)*8)

	return nil
}

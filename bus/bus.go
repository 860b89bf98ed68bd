// Package bus routes trapped guest I/O accesses to the owning device. A
// Bus is an ordered set of non-overlapping address ranges; the monitor
// keeps one for port I/O and one for memory-mapped I/O. The range table is
// immutable once the machine boots, so dispatch takes no lock.
package bus

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrRangeOverlap is returned by Register when a new range intersects
	// a registered one. The table is left unchanged.
	ErrRangeOverlap = errors.New("bus range overlaps an existing range")

	// ErrUnmappedAddress marks an access that hit no device. The dispatch
	// still completes with a neutral result (all-ones read, ignored
	// write), modelling firmware-visible unmapped space: callers log and
	// continue rather than killing the guest.
	ErrUnmappedAddress = errors.New("no device registered at address")

	errZeroRange = errors.New("bus range has zero size")
)

// Device is the dispatch half of the device contract: offset-addressed
// reads and writes, where the offset is relative to the range start.
type Device interface {
	Read(off uint64, data []byte) error
	Write(off uint64, data []byte) error
}

type busRange struct {
	start uint64
	size  uint64
	dev   Device
}

// Bus dispatches reads and writes by binary search over sorted ranges, so
// per-access cost stays logarithmic in device count. This path runs on
// every trapped guest I/O instruction.
type Bus struct {
	name   string
	ranges []busRange
}

// New returns an empty bus. The name shows up in errors ("pio", "mmio").
func New(name string) *Bus {
	return &Bus{name: name}
}

// Register binds [start, start+size) to dev.
func (b *Bus) Register(start, size uint64, dev Device) error {
	if size == 0 {
		return errZeroRange
	}

	for _, r := range b.ranges {
		if start < r.start+r.size && r.start < start+size {
			return fmt.Errorf("%s: %w: [%#x, %#x) vs [%#x, %#x)",
				b.name, ErrRangeOverlap, start, start+size, r.start, r.start+r.size)
		}
	}

	b.ranges = append(b.ranges, busRange{start: start, size: size, dev: dev})
	sort.Slice(b.ranges, func(i, j int) bool {
		return b.ranges[i].start < b.ranges[j].start
	})

	return nil
}

func (b *Bus) find(addr uint64) *busRange {
	i := sort.Search(len(b.ranges), func(i int) bool {
		return b.ranges[i].start+b.ranges[i].size > addr
	})

	if i == len(b.ranges) || addr < b.ranges[i].start {
		return nil
	}

	return &b.ranges[i]
}

// Read dispatches a read of len(data) bytes at addr. A miss fills data
// with all-ones and returns ErrUnmappedAddress.
func (b *Bus) Read(addr uint64, data []byte) error {
	r := b.find(addr)
	if r == nil {
		for i := range data {
			data[i] = 0xff
		}

		return fmt.Errorf("%s read %#x+%d: %w", b.name, addr, len(data), ErrUnmappedAddress)
	}

	return r.dev.Read(addr-r.start, data)
}

// Write dispatches a write of len(data) bytes at addr. A miss is ignored
// and returns ErrUnmappedAddress.
func (b *Bus) Write(addr uint64, data []byte) error {
	r := b.find(addr)
	if r == nil {
		return fmt.Errorf("%s write %#x+%d: %w", b.name, addr, len(data), ErrUnmappedAddress)
	}

	return r.dev.Write(addr-r.start, data)
}

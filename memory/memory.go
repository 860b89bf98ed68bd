// Package memory owns guest physical memory: an ordered, non-overlapping
// set of mapped regions with guest-physical to host-virtual translation
// and page-granular dirty tracking for incremental snapshots.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the dirty-tracking granularity.
const PageSize = 4096

var (
	// ErrOverlap is returned by Map when the new region intersects an
	// existing one. The region table is left unchanged.
	ErrOverlap = errors.New("memory region overlaps an existing region")

	// ErrOutOfBounds is returned by Translate when the range starts
	// outside every mapped region.
	ErrOutOfBounds = errors.New("guest address out of bounds")

	// ErrUnmappedGap is returned by Translate when the range starts
	// inside a region but crosses its end into a hole.
	ErrUnmappedGap = errors.New("guest range crosses an unmapped gap")

	errZeroSize = errors.New("memory region has zero size")
)

// Region is one contiguous range of guest physical memory backed by an
// anonymous host mapping.
type Region struct {
	GuestBase uint64
	Size      uint64
	Shareable bool
	Slot      uint32

	buf []byte
}

// HostAddr returns the host virtual address of the backing buffer, for
// registration with the hypervisor.
func (r *Region) HostAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.buf[0])))
}

// Bytes exposes the backing buffer. Callers must not retain sub-slices
// across a snapshot restore.
func (r *Region) Bytes() []byte {
	return r.buf
}

// AddressSpace is the guest physical address space. The region table is
// append-only until boot and read-only afterwards; translation therefore
// takes no lock. The dirty bitmap is the only mutable state and is guarded
// by its own word-level updates on the vCPU dispatch path.
type AddressSpace struct {
	regions []*Region // sorted by GuestBase

	dirty      []uint64 // one bit per page, covers [0, end of last region)
	dirtyPages int
}

// New returns an empty address space.
func New() *AddressSpace {
	return &AddressSpace{}
}

// Map adds a region of the given size at base. It fails with ErrOverlap if
// the range intersects any existing region, leaving the table unchanged.
func (a *AddressSpace) Map(base, size uint64, shareable bool) (*Region, error) {
	if size == 0 {
		return nil, errZeroSize
	}

	for _, r := range a.regions {
		if base < r.GuestBase+r.Size && r.GuestBase < base+size {
			return nil, fmt.Errorf("%w: [%#x, %#x) vs [%#x, %#x)",
				ErrOverlap, base, base+size, r.GuestBase, r.GuestBase+r.Size)
		}
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	if shareable {
		flags = unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	region := &Region{
		GuestBase: base,
		Size:      size,
		Shareable: shareable,
		Slot:      uint32(len(a.regions)),
		buf:       buf,
	}

	a.regions = append(a.regions, region)
	sort.Slice(a.regions, func(i, j int) bool {
		return a.regions[i].GuestBase < a.regions[j].GuestBase
	})

	a.growDirty()

	return region, nil
}

// Regions returns the region table in guest-address order.
func (a *AddressSpace) Regions() []*Region {
	return a.regions
}

// find returns the region containing addr, or nil.
func (a *AddressSpace) find(addr uint64) *Region {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].GuestBase+a.regions[i].Size > addr
	})

	if i == len(a.regions) || addr < a.regions[i].GuestBase {
		return nil
	}

	return a.regions[i]
}

// Translate returns the host slice backing [addr, addr+length). The range
// must lie inside a single region: regions are stable for the life of the
// VM, but the bounds check runs on every access to catch bad guest-address
// arithmetic early.
func (a *AddressSpace) Translate(addr, length uint64) ([]byte, error) {
	r := a.find(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfBounds, addr, length)
	}

	off := addr - r.GuestBase
	if off+length > r.Size {
		return nil, fmt.Errorf("%w: %#x+%d exceeds region [%#x, %#x)",
			ErrUnmappedGap, addr, length, r.GuestBase, r.GuestBase+r.Size)
	}

	return r.buf[off : off+length], nil
}

// ReadAt copies guest memory at addr into p.
func (a *AddressSpace) ReadAt(p []byte, addr uint64) error {
	src, err := a.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(p, src)

	return nil
}

// WriteAt copies p into guest memory at addr and marks the pages dirty.
func (a *AddressSpace) WriteAt(p []byte, addr uint64) error {
	dst, err := a.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(dst, p)
	a.MarkDirty(addr, uint64(len(p)))

	return nil
}

// End returns one past the highest mapped guest address.
func (a *AddressSpace) End() uint64 {
	if len(a.regions) == 0 {
		return 0
	}

	last := a.regions[len(a.regions)-1]

	return last.GuestBase + last.Size
}

func (a *AddressSpace) growDirty() {
	pages := int((a.End() + PageSize - 1) / PageSize)
	words := (pages + 63) / 64

	if words > len(a.dirty) {
		grown := make([]uint64, words)
		copy(grown, a.dirty)
		a.dirty = grown
	}

	a.dirtyPages = pages
}

// MarkDirty marks every page touched by [addr, addr+length) as dirty. A
// marked page stays dirty until DrainDirty.
func (a *AddressSpace) MarkDirty(addr, length uint64) {
	if length == 0 {
		return
	}

	first := addr / PageSize
	last := (addr + length - 1) / PageSize

	for p := first; p <= last && int(p) < a.dirtyPages; p++ {
		a.dirty[p/64] |= 1 << (p % 64)
	}
}

// MergeDirty folds an externally produced bitmap (the hypervisor dirty
// log, same one-bit-per-page layout) into the tracked set.
func (a *AddressSpace) MergeDirty(bitmap []uint64) {
	for i, w := range bitmap {
		if i < len(a.dirty) {
			a.dirty[i] |= w
		}
	}
}

// DrainDirty returns the dirty bitmap and resets tracking. The returned
// slice is the caller's to keep.
func (a *AddressSpace) DrainDirty() []uint64 {
	out := a.dirty
	a.dirty = make([]uint64, len(out))

	return out
}

// DirtyPageCount counts set bits without draining, for pre-copy heuristics.
func (a *AddressSpace) DirtyPageCount() int {
	n := 0

	for _, w := range a.dirty {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}

	return n
}

// Free unmaps every region. The address space must not be used afterwards.
func (a *AddressSpace) Free() error {
	var firstErr error

	for _, r := range a.regions {
		if err := unix.Munmap(r.buf); err != nil && firstErr == nil {
			firstErr = err
		}

		r.buf = nil
	}

	a.regions = nil
	a.dirty = nil

	return firstErr
}

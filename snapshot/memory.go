package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kuvisor/kuvisor/memory"
)

// Memory image frame: [4-byte magic][4-byte format] then format-specific
// content. A full image is every region's raw bytes in region order. A
// dirty image is a page bitmap over the whole address space followed by
// the packed dirty pages, applied on top of an existing image or a
// restored machine's current memory.
const memoryMagic = 0x4b55564d // "KUVM"

const (
	// MemoryFull is a complete copy of guest memory.
	MemoryFull = 0

	// MemoryDirty is an incremental layer: only pages dirtied since the
	// previous snapshot, located by the leading bitmap.
	MemoryDirty = 1
)

var (
	// ErrBadMemoryMagic means the file is not a memory image.
	ErrBadMemoryMagic = errors.New("snapshot: bad memory image magic")

	// ErrMemoryMismatch means the image does not fit the target address
	// space.
	ErrMemoryMismatch = errors.New("snapshot: memory image does not match address space")

	// ErrDirtyLayerBase means an incremental layer was given where a full
	// image is required; the layer only makes sense on top of the base it
	// was diffed against.
	ErrDirtyLayerBase = errors.New("snapshot: dirty layer without its base image")
)

func writeMemoryHeader(w io.Writer, format uint32) error {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], memoryMagic)
	binary.BigEndian.PutUint32(hdr[4:8], format)

	_, err := w.Write(hdr)

	return err
}

// WriteMemoryFull streams every mapped region to w.
func WriteMemoryFull(w io.Writer, mem *memory.AddressSpace) error {
	if err := writeMemoryHeader(w, MemoryFull); err != nil {
		return fmt.Errorf("write memory header: %w", err)
	}

	for _, r := range mem.Regions() {
		if _, err := w.Write(r.Bytes()); err != nil {
			return fmt.Errorf("write memory region at %#x: %w", r.GuestBase, err)
		}
	}

	return nil
}

// WriteMemoryDirty streams only the pages set in bitmap, which indexes
// pages over [0, mem.End()).
func WriteMemoryDirty(w io.Writer, mem *memory.AddressSpace, bitmap []uint64) error {
	if err := writeMemoryHeader(w, MemoryDirty); err != nil {
		return fmt.Errorf("write memory header: %w", err)
	}

	lenB := make([]byte, 8)
	binary.BigEndian.PutUint64(lenB, uint64(len(bitmap)))

	if _, err := w.Write(lenB); err != nil {
		return fmt.Errorf("write bitmap length: %w", err)
	}

	wordB := make([]byte, 8)
	for _, word := range bitmap {
		binary.LittleEndian.PutUint64(wordB, word)

		if _, err := w.Write(wordB); err != nil {
			return fmt.Errorf("write bitmap: %w", err)
		}
	}

	page := make([]byte, memory.PageSize)

	for i, word := range bitmap {
		for bit := 0; word != 0; bit++ {
			if word&(1<<bit) == 0 {
				continue
			}

			word &^= 1 << bit

			addr := uint64(i*64+bit) * memory.PageSize
			if err := mem.ReadAt(page, addr); err != nil {
				return fmt.Errorf("read dirty page at %#x: %w", addr, err)
			}

			if _, err := w.Write(page); err != nil {
				return fmt.Errorf("write dirty page at %#x: %w", addr, err)
			}
		}
	}

	return nil
}

func readMemoryFormat(r io.Reader) (uint32, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, fmt.Errorf("read memory header: %w", err)
	}

	if binary.BigEndian.Uint32(hdr[0:4]) != memoryMagic {
		return 0, ErrBadMemoryMagic
	}

	return binary.BigEndian.Uint32(hdr[4:8]), nil
}

// ReadMemory restores a complete memory image into mem, which must
// already have the region layout the manifest describes. A dirty layer is
// refused: applied over fresh memory it would silently yield a corrupt
// guest.
func ReadMemory(r io.Reader, mem *memory.AddressSpace) error {
	format, err := readMemoryFormat(r)
	if err != nil {
		return err
	}

	switch format {
	case MemoryFull:
		return readMemoryFull(r, mem)
	case MemoryDirty:
		return ErrDirtyLayerBase
	default:
		return fmt.Errorf("%w: unknown format %d", ErrMemoryMismatch, format)
	}
}

// ReadMemoryLayer applies an incremental dirty layer on top of mem's
// current contents, which must hold the base image the layer was diffed
// against.
func ReadMemoryLayer(r io.Reader, mem *memory.AddressSpace) error {
	format, err := readMemoryFormat(r)
	if err != nil {
		return err
	}

	if format != MemoryDirty {
		return fmt.Errorf("%w: format %d is not a dirty layer", ErrMemoryMismatch, format)
	}

	return readMemoryDirty(r, mem)
}

func readMemoryFull(r io.Reader, mem *memory.AddressSpace) error {
	for _, region := range mem.Regions() {
		if _, err := io.ReadFull(r, region.Bytes()); err != nil {
			return fmt.Errorf("%w: region at %#x: %v", ErrMemoryMismatch, region.GuestBase, err)
		}
	}

	return nil
}

func readMemoryDirty(r io.Reader, mem *memory.AddressSpace) error {
	lenB := make([]byte, 8)
	if _, err := io.ReadFull(r, lenB); err != nil {
		return fmt.Errorf("read bitmap length: %w", err)
	}

	words := binary.BigEndian.Uint64(lenB)
	if max := (mem.End()/memory.PageSize + 63) / 64; words > max {
		return fmt.Errorf("%w: bitmap covers %d words, address space needs at most %d",
			ErrMemoryMismatch, words, max)
	}

	bitmap := make([]uint64, words)
	wordB := make([]byte, 8)

	for i := range bitmap {
		if _, err := io.ReadFull(r, wordB); err != nil {
			return fmt.Errorf("read bitmap: %w", err)
		}

		bitmap[i] = binary.LittleEndian.Uint64(wordB)
	}

	page := make([]byte, memory.PageSize)

	for i, word := range bitmap {
		for bit := 0; word != 0; bit++ {
			if word&(1<<bit) == 0 {
				continue
			}

			word &^= 1 << bit

			addr := uint64(i*64+bit) * memory.PageSize
			if _, err := io.ReadFull(r, page); err != nil {
				return fmt.Errorf("read dirty page at %#x: %w", addr, err)
			}

			if err := mem.WriteAt(page, addr); err != nil {
				return fmt.Errorf("%w: dirty page at %#x: %v", ErrMemoryMismatch, addr, err)
			}
		}
	}

	return nil
}

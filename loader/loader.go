// Package loader places the initial guest image into memory. It is
// invoked exactly once, after the address space exists and before any
// vCPU starts.
package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/kuvisor/kuvisor/memory"
)

var errEmptyImage = errors.New("loader: empty image")

// Result tells the machine where execution begins.
type Result struct {
	// Entry is the guest physical address of the first instruction.
	Entry uint64

	// BootParams is the guest physical address of the boot-parameter
	// block, or zero if the image has none. It lands in RSI, matching
	// the Linux 64-bit boot contract.
	BootParams uint64
}

// Loader writes the initial memory image and reports the entry point.
type Loader interface {
	Load(mem *memory.AddressSpace) (Result, error)
}

// Flat loads a raw binary at a fixed guest physical address and enters it
// at its first byte. It is the loader used for firmware-style payloads
// and test guests.
type Flat struct {
	Image    []byte
	LoadAddr uint64
}

// FlatFromFile reads path into a Flat loader.
func FlatFromFile(path string, loadAddr uint64) (*Flat, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	return &Flat{Image: image, LoadAddr: loadAddr}, nil
}

// Load implements Loader.
func (f *Flat) Load(mem *memory.AddressSpace) (Result, error) {
	if len(f.Image) == 0 {
		return Result{}, errEmptyImage
	}

	if err := mem.WriteAt(f.Image, f.LoadAddr); err != nil {
		return Result{}, fmt.Errorf("loader: writing image at %#x: %w", f.LoadAddr, err)
	}

	return Result{Entry: f.LoadAddr}, nil
}

// Package device holds the emulated device models. Every device speaks
// the same contract: offset-addressed register access from the bus, an
// interrupt line back to the machine, and opaque state save/restore for
// snapshots. The bus serializes dispatches from a single vCPU; devices
// with background work (virtio) guard their own state.
package device

import "errors"

var (
	errDataLenInvalid = errors.New("invalid data size for device register")

	// ErrMalformedState is returned by Restore when a snapshot blob does
	// not decode into the device's state.
	ErrMalformedState = errors.New("malformed device state")
)

// InterruptLine pulses the device's interrupt. The machine binds each
// device to a fixed GSI at attach time.
type InterruptLine func() error

// Device is the uniform device contract. Read and Write receive offsets
// relative to the bus range the device was registered at. Save and
// Restore exchange an opaque state blob owned by the device; the snapshot
// layer wraps it with the device identifier and a schema version.
type Device interface {
	Name() string
	Read(off uint64, data []byte) error
	Write(off uint64, data []byte) error
	Save() ([]byte, error)
	Restore(data []byte) error
}

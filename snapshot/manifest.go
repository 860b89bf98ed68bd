package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Manifest frame: [4-byte magic][4-byte version][8-byte payload length]
// followed by the gob-encoded Manifest. All integers big-endian.
const manifestMagic = 0x4b555653 // "KUVS"

const (
	// maxManifestPayload bounds the declared payload length so a corrupt
	// header cannot drive a huge allocation. Real manifests are a few KiB
	// per vCPU plus device blobs.
	maxManifestPayload = 64 << 20

	// CurrentVersion is the manifest version this build writes.
	CurrentVersion = 2

	// OldestSupported is the oldest manifest version this build can
	// still read and upgrade.
	OldestSupported = 1
)

var (
	// ErrBadMagic means the file is not a snapshot manifest at all.
	ErrBadMagic = errors.New("snapshot: bad manifest magic")

	// ErrIncompatibleVersion means the manifest version is outside the
	// supported range. Newer-than-current always fails: guessing at a
	// future schema risks silent state corruption.
	ErrIncompatibleVersion = errors.New("snapshot: incompatible manifest version")

	// ErrMalformed means the version was supported but the payload did
	// not decode.
	ErrMalformed = errors.New("snapshot: malformed manifest payload")
)

// upgrades maps version n to the in-place step n -> n+1. A manifest at
// OldestSupported walks every step up to CurrentVersion.
var upgrades = map[uint32]func(*Manifest) error{
	1: upgradeV1,
}

// upgradeV1 lifts a version 1 manifest to version 2: v1 predates
// per-device schema versions, so its device blobs carry version 0 and are
// stamped with the schema they were actually written with.
func upgradeV1(m *Manifest) error {
	for i := range m.Devices {
		if m.Devices[i].Version == 0 {
			m.Devices[i].Version = 1
		}
	}

	return nil
}

// WriteManifest frames and encodes m at CurrentVersion.
func WriteManifest(w io.Writer, m *Manifest) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	hdr := make([]byte, 16)
	binary.BigEndian.PutUint32(hdr[0:4], manifestMagic)
	binary.BigEndian.PutUint32(hdr[4:8], CurrentVersion)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(payload.Len()))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}

	if _, err := w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("write manifest payload: %w", err)
	}

	return nil
}

// ReadManifest reads a framed manifest, refusing unsupported versions
// before decoding a single payload byte, and upgrades older manifests to
// CurrentVersion.
func ReadManifest(r io.Reader) (*Manifest, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}

	if binary.BigEndian.Uint32(hdr[0:4]) != manifestMagic {
		return nil, ErrBadMagic
	}

	version := binary.BigEndian.Uint32(hdr[4:8])
	if version < OldestSupported || version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d (supported %d..%d)",
			ErrIncompatibleVersion, version, OldestSupported, CurrentVersion)
	}

	length := binary.BigEndian.Uint64(hdr[8:16])
	if length > maxManifestPayload {
		return nil, fmt.Errorf("%w: declared payload length %d", ErrMalformed, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read manifest payload: %w", err)
	}

	m := &Manifest{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for v := version; v < CurrentVersion; v++ {
		step, ok := upgrades[v]
		if !ok {
			return nil, fmt.Errorf("%w: no upgrade from %d", ErrIncompatibleVersion, v)
		}

		if err := step(m); err != nil {
			return nil, fmt.Errorf("upgrade manifest from %d: %w", v, err)
		}
	}

	return m, nil
}

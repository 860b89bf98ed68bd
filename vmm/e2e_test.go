package vmm

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuvisor/kuvisor/loader"
	"github.com/kuvisor/kuvisor/machine"
)

// spinGuest writes 'A' to COM1 and then spins:
//
//	mov dx, 0x3f8
//	mov al, 'A'
//	out dx, al
//	jmp $
//
// The spin keeps the vCPUs inside the guest so pause has something to
// interrupt.
var spinGuest = []byte{0x66, 0xba, 0xf8, 0x03, 0xb0, 0x41, 0xee, 0xeb, 0xfe}

const spinLoadAddr = 0x100000

func newKvmMachine(t *testing.T, cfg machine.Config) *machine.Machine {
	t.Helper()

	m, err := machine.New(cfg)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			t.Skipf("opening /dev/kvm: %v", err)
		}

		t.Fatal(err)
	}

	return m
}

// TestLifecycleEndToEnd boots a guest on real KVM, pauses it mid-spin,
// snapshots it, and restores the snapshot into a fresh machine.
func TestLifecycleEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := machine.Config{NCPUs: 2, MemSize: 64 << 20}

	var console bytes.Buffer

	src := newKvmMachine(t, machine.Config{
		NCPUs:      cfg.NCPUs,
		MemSize:    cfg.MemSize,
		SerialSink: &console,
	})

	c := New(src, Config{})
	require.NoError(t, c.Boot(&loader.Flat{Image: spinGuest, LoadAddr: spinLoadAddr}))
	assert.Equal(t, StateRunning, c.State())

	// Both vCPUs start at the entry point, so each writes one 'A'.
	require.Eventually(t, func() bool {
		return len(src.Serial().OutputBytes()) == 2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, c.Snapshot(path, SnapshotOptions{}))
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Shutdown())

	// Restore into a fresh machine of the same shape.
	dst := newKvmMachine(t, machine.Config{NCPUs: cfg.NCPUs, MemSize: cfg.MemSize})

	c2 := New(dst, Config{})
	require.NoError(t, c2.Restore(path))
	assert.Equal(t, StatePaused, c2.State())

	// The serial device state travelled with the snapshot.
	assert.Equal(t, []byte("AA"), dst.Serial().OutputBytes())

	// The guests resume inside their spin loops.
	require.NoError(t, c2.Resume())
	assert.Equal(t, StateRunning, c2.State())

	require.NoError(t, c2.Shutdown())
}

package device_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kuvisor/kuvisor/device"
	"github.com/kuvisor/kuvisor/mmds"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noIRQ() error { return nil }

func TestSerialOutput(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer

	s := device.NewSerial(&sink, noIRQ)

	for _, b := range []byte("hi\n") {
		require.NoError(t, s.Write(0, []byte{b}))
	}

	assert.Equal(t, []byte("hi\n"), s.OutputBytes())
	assert.Equal(t, "hi\n", sink.String())
}

func TestSerialInput(t *testing.T) {
	t.Parallel()

	fired := 0
	s := device.NewSerial(nil, func() error { fired++; return nil })

	// Interrupt stays quiet until the guest enables receive interrupts.
	s.InputChan() <- 'x'
	require.NoError(t, s.NotifyInput())
	assert.Zero(t, fired)

	require.NoError(t, s.Write(1, []byte{0x01})) // IER: recv data available
	require.NoError(t, s.NotifyInput())
	assert.Equal(t, 1, fired)

	lsr := make([]byte, 1)
	require.NoError(t, s.Read(5, lsr))
	assert.NotZero(t, lsr[0]&0x01, "LSR should report data ready")

	b := make([]byte, 1)
	require.NoError(t, s.Read(0, b))
	assert.Equal(t, byte('x'), b[0])

	require.NoError(t, s.Read(5, lsr))
	assert.Zero(t, lsr[0]&0x01)
}

func TestSerialSaveRestore(t *testing.T) {
	t.Parallel()

	s := device.NewSerial(nil, noIRQ)
	require.NoError(t, s.Write(1, []byte{0x01}))
	require.NoError(t, s.Write(0, []byte{'A'}))
	s.InputChan() <- 'q'

	blob, err := s.Save()
	require.NoError(t, err)

	// Save must not consume pending input.
	b := make([]byte, 1)
	require.NoError(t, s.Read(0, b))
	assert.Equal(t, byte('q'), b[0])

	restored := device.NewSerial(nil, noIRQ)
	require.NoError(t, restored.Restore(blob))

	assert.Equal(t, []byte{'A'}, restored.OutputBytes())

	require.NoError(t, restored.Read(0, b))
	assert.Equal(t, byte('q'), b[0])

	ier := make([]byte, 1)
	require.NoError(t, restored.Read(1, ier))
	assert.Equal(t, byte(0x01), ier[0])
}

func TestSerialRestoreMalformed(t *testing.T) {
	t.Parallel()

	s := device.NewSerial(nil, noIRQ)
	assert.ErrorIs(t, s.Restore([]byte("not gob")), device.ErrMalformedState)
}

func TestRTCTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.November, 3, 14, 27, 59, 0, time.UTC)
	r := device.NewRTC(func() time.Time { return now })

	read := func(idx byte) byte {
		require.NoError(t, r.Write(0, []byte{idx}))

		b := make([]byte, 1)
		require.NoError(t, r.Read(1, b))

		return b[0]
	}

	assert.Equal(t, byte(0x59), read(0x00), "seconds")
	assert.Equal(t, byte(0x27), read(0x02), "minutes")
	assert.Equal(t, byte(0x14), read(0x04), "hours")
	assert.Equal(t, byte(0x03), read(0x07), "day")
	assert.Equal(t, byte(0x11), read(0x08), "month")
	assert.Equal(t, byte(0x24), read(0x09), "year")
	assert.Equal(t, byte(0x20), read(0x32), "century")
}

func TestRTCNVRAM(t *testing.T) {
	t.Parallel()

	r := device.NewRTC(time.Now)

	// Index high bit is the NMI mask and must not shift the cell.
	require.NoError(t, r.Write(0, []byte{0x8f}))
	require.NoError(t, r.Write(1, []byte{0x5a}))

	require.NoError(t, r.Write(0, []byte{0x0f}))

	b := make([]byte, 1)
	require.NoError(t, r.Read(1, b))
	assert.Equal(t, byte(0x5a), b[0])

	blob, err := r.Save()
	require.NoError(t, err)

	restored := device.NewRTC(time.Now)
	require.NoError(t, restored.Restore(blob))

	require.NoError(t, restored.Read(1, b))
	assert.Equal(t, byte(0x5a), b[0])
}

func TestMMDSDevice(t *testing.T) {
	t.Parallel()

	store := mmds.NewStore()
	require.NoError(t, store.Put("latest", []byte(`{"hostname":"vm0"}`)))

	d := device.NewMMDS(store)

	for _, b := range []byte("latest/hostname") {
		require.NoError(t, d.Write(0, []byte{b}))
	}

	require.NoError(t, d.Write(1, []byte{1}))

	n := make([]byte, 1)
	require.NoError(t, d.Read(1, n))
	require.NotZero(t, n[0])

	resp := make([]byte, 0, n[0])
	b := make([]byte, 1)

	for i := 0; i < int(n[0]); i++ {
		require.NoError(t, d.Read(0, b))
		resp = append(resp, b[0])
	}

	assert.Equal(t, `"vm0"`, string(resp))

	// Drained: control port reports nothing left, data port reads zero.
	require.NoError(t, d.Read(1, n))
	assert.Zero(t, n[0])
	require.NoError(t, d.Read(0, b))
	assert.Zero(t, b[0])
}

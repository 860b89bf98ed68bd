package device_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuvisor/kuvisor/device"
	"github.com/kuvisor/kuvisor/memory"
	"github.com/kuvisor/kuvisor/ratelimit"
)

// Guest-physical layout used by the ring tests.
const (
	ringDesc  = 0x1000
	ringAvail = 0x2000
	ringUsed  = 0x3000
	ringBufs  = 0x4000

	ringNum = 8
)

type ringBuilder struct {
	t    *testing.T
	mem  *memory.AddressSpace
	next uint16
	buf  uint64
}

func newRing(t *testing.T) *ringBuilder {
	t.Helper()

	mem := memory.New()

	_, err := mem.Map(0, 0x10000, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Free() })

	return &ringBuilder{t: t, mem: mem, buf: ringBufs}
}

// addDesc appends one descriptor holding data (device-writable descriptors
// reserve size zero bytes instead) and returns its index.
func (r *ringBuilder) addDesc(data []byte, size uint32, write, hasNext bool) uint16 {
	r.t.Helper()

	addr := r.buf
	length := uint32(len(data))

	if data != nil {
		require.NoError(r.t, r.mem.WriteAt(data, addr))
	} else {
		length = size
	}

	r.buf += (uint64(length) + 0xf) &^ 0xf

	var flags uint16
	if write {
		flags |= 2
	}

	if hasNext {
		flags |= 1
	}

	d := make([]byte, 16)
	binary.LittleEndian.PutUint64(d[0:8], addr)
	binary.LittleEndian.PutUint32(d[8:12], length)
	binary.LittleEndian.PutUint16(d[12:14], flags)
	binary.LittleEndian.PutUint16(d[14:16], r.next+1)

	require.NoError(r.t, r.mem.WriteAt(d, ringDesc+uint64(r.next)*16))

	i := r.next
	r.next++

	return i
}

// publish places head on the avail ring and bumps the avail index.
func (r *ringBuilder) publish(slot, head uint16) {
	r.t.Helper()

	e := make([]byte, 2)
	binary.LittleEndian.PutUint16(e, head)
	require.NoError(r.t, r.mem.WriteAt(e, ringAvail+4+uint64(slot)*2))

	binary.LittleEndian.PutUint16(e, slot+1)
	require.NoError(r.t, r.mem.WriteAt(e, ringAvail+2))
}

func (r *ringBuilder) usedIdx() uint16 {
	r.t.Helper()

	b := make([]byte, 2)
	require.NoError(r.t, r.mem.ReadAt(b, ringUsed+2))

	return binary.LittleEndian.Uint16(b)
}

func (r *ringBuilder) queue() *device.Virtqueue {
	return &device.Virtqueue{
		Mem:   r.mem,
		Num:   ringNum,
		Desc:  ringDesc,
		Avail: ringAvail,
		Used:  ringUsed,
	}
}

func TestVirtqueuePopPush(t *testing.T) {
	t.Parallel()

	r := newRing(t)
	q := r.queue()

	_, _, ok, err := q.Pop()
	require.NoError(t, err)
	assert.False(t, ok, "empty ring must not pop")

	head := r.addDesc([]byte("request"), 0, false, true)
	r.addDesc(nil, 32, true, false)
	r.publish(0, head)

	bufs, got, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, head, got)
	require.Len(t, bufs, 2)
	assert.Equal(t, []byte("request"), bufs[0].Data)
	assert.False(t, bufs[0].DeviceWrites)
	assert.Len(t, bufs[1].Data, 32)
	assert.True(t, bufs[1].DeviceWrites)

	require.NoError(t, q.PushUsed(got, 32))
	assert.Equal(t, uint16(1), r.usedIdx())

	elem := make([]byte, 8)
	require.NoError(t, r.mem.ReadAt(elem, ringUsed+4))
	assert.Equal(t, uint32(head), binary.LittleEndian.Uint32(elem[0:4]))
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(elem[4:8]))
}

func TestVirtqueueChainLoop(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	// Descriptor 0 chains to itself.
	d := make([]byte, 16)
	binary.LittleEndian.PutUint64(d[0:8], ringBufs)
	binary.LittleEndian.PutUint32(d[8:12], 4)
	binary.LittleEndian.PutUint16(d[12:14], 1) // NEXT
	binary.LittleEndian.PutUint16(d[14:16], 0)
	require.NoError(t, r.mem.WriteAt(d, ringDesc))
	r.publish(0, 0)

	_, _, _, err := r.queue().Pop()
	assert.Error(t, err)
}

func TestVirtqueueZeroSize(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	// The driver claims a pending buffer, but the ring was never sized.
	e := make([]byte, 2)
	binary.LittleEndian.PutUint16(e, 1)
	require.NoError(t, r.mem.WriteAt(e, ringAvail+2))

	q := r.queue()
	q.Num = 0

	_, _, _, err := q.Pop()
	assert.Error(t, err)

	assert.Error(t, q.PushUsed(0, 0))
}

type nullBackend struct{}

func (nullBackend) DeviceID() uint32                   { return 9 }
func (nullBackend) Features() uint64                   { return 0 }
func (nullBackend) NumQueues() int                     { return 1 }
func (nullBackend) ReadConfig(off uint64, data []byte) {}
func (nullBackend) Notify(queue int)                   {}
func (nullBackend) Pause()                             {}
func (nullBackend) Resume()                            {}
func (nullBackend) Close() error                       { return nil }

func mmioRead32(t *testing.T, m *device.MMIO, off uint64) uint32 {
	t.Helper()

	b := make([]byte, 4)
	require.NoError(t, m.Read(off, b))

	return binary.LittleEndian.Uint32(b)
}

func mmioWrite32(t *testing.T, m *device.MMIO, off uint64, v uint32) {
	t.Helper()

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	require.NoError(t, m.Write(off, b))
}

func TestMMIORegisters(t *testing.T) {
	t.Parallel()

	mem := memory.New()

	_, err := mem.Map(0, 0x10000, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Free() })

	m := device.NewMMIO("test", mem, func() error { return nil }, nullBackend{})

	assert.Equal(t, uint32(0x74726976), mmioRead32(t, m, 0x000))
	assert.Equal(t, uint32(2), mmioRead32(t, m, 0x004))
	assert.Equal(t, uint32(9), mmioRead32(t, m, 0x008))

	// VIRTIO_F_VERSION_1 lives in the upper feature word.
	mmioWrite32(t, m, 0x014, 1)
	assert.Equal(t, uint32(1), mmioRead32(t, m, 0x010))

	_, ok := m.Queue(0)
	assert.False(t, ok, "queue must not exist before READY")

	mmioWrite32(t, m, 0x030, 0) // QueueSel
	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1) // QueueReady

	q, ok := m.Queue(0)
	require.True(t, ok)
	assert.Equal(t, uint16(ringNum), q.Num)
	assert.Equal(t, uint64(ringDesc), q.Desc)

	require.NoError(t, m.SignalUsed())
	assert.Equal(t, uint32(1), mmioRead32(t, m, 0x060))

	mmioWrite32(t, m, 0x064, 1) // ack
	assert.Zero(t, mmioRead32(t, m, 0x060))
}

func TestMMIOQueueReadyRequiresNum(t *testing.T) {
	t.Parallel()

	mem := memory.New()

	_, err := mem.Map(0, 0x10000, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Free() })

	m := device.NewMMIO("test", mem, func() error { return nil }, nullBackend{})

	// READY before the queue is sized must not take.
	mmioWrite32(t, m, 0x044, 1)
	assert.Zero(t, mmioRead32(t, m, 0x044))

	_, ok := m.Queue(0)
	assert.False(t, ok)

	// An oversized queue is refused the same way.
	mmioWrite32(t, m, 0x038, 512)
	mmioWrite32(t, m, 0x044, 1)
	assert.Zero(t, mmioRead32(t, m, 0x044))

	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x044, 1)
	assert.Equal(t, uint32(1), mmioRead32(t, m, 0x044))

	_, ok = m.Queue(0)
	assert.True(t, ok)
}

func TestMMIOSaveRestore(t *testing.T) {
	t.Parallel()

	mem := memory.New()

	_, err := mem.Map(0, 0x10000, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Free() })

	m := device.NewMMIO("test", mem, func() error { return nil }, nullBackend{})
	mmioWrite32(t, m, 0x070, 0x0f) // status: DRIVER_OK and friends
	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1)

	blob, err := m.Save()
	require.NoError(t, err)

	restored := device.NewMMIO("test", mem, func() error { return nil }, nullBackend{})
	require.NoError(t, restored.Restore(blob))

	assert.Equal(t, uint32(0x0f), mmioRead32(t, restored, 0x070))

	q, ok := restored.Queue(0)
	require.True(t, ok)
	assert.Equal(t, uint64(ringAvail), q.Avail)
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return copy(p, f.data[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return copy(f.data[off:], p), nil
}

func (f *memFile) Sync() error { return nil }

func blockRequest(r *ringBuilder, reqType uint32, sector uint64, payload []byte, size uint32) uint16 {
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)

	head := r.addDesc(hdr, 0, false, true)

	if payload != nil {
		r.addDesc(payload, 0, false, true)
	} else {
		r.addDesc(nil, size, true, true)
	}

	r.addDesc(nil, 1, true, false) // status byte

	return head
}

func TestBlockReadWrite(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	file := &memFile{data: make([]byte, 1<<20)}
	copy(file.data[512:], "sector one")

	blk := device.NewBlock(file, 1<<20, ratelimit.Unlimited())
	m := device.NewMMIO("blk", r.mem, func() error { return nil }, blk)
	blk.Attach(m)

	t.Cleanup(func() { _ = m.Close() })

	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1)

	// Read sector 1 into a device-writable buffer.
	head := blockRequest(r, 0, 1, nil, 512)
	dataAddr := r.buf - 512 - 16 // status buffer was placed after the data

	r.publish(0, head)
	mmioWrite32(t, m, 0x050, 0)

	require.Eventually(t, func() bool { return r.usedIdx() == 1 },
		time.Second, time.Millisecond)

	got := make([]byte, 10)
	require.NoError(t, r.mem.ReadAt(got, dataAddr))
	assert.Equal(t, "sector one", string(got))

	assert.Equal(t, uint32(1), mmioRead32(t, m, 0x060), "used interrupt pending")

	// Write "hello" at sector 0 and flush.
	payload := make([]byte, 512)
	copy(payload, "hello")
	head = blockRequest(r, 1, 0, payload, 0)
	r.publish(1, head)
	mmioWrite32(t, m, 0x050, 0)

	require.Eventually(t, func() bool { return r.usedIdx() == 2 },
		time.Second, time.Millisecond)

	file.mu.Lock()
	assert.Equal(t, "hello", string(file.data[:5]))
	file.mu.Unlock()
}

type oneShotLimiter struct {
	mu     sync.Mutex
	denied bool
}

func (l *oneShotLimiter) TryConsume(cost uint64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.denied {
		l.denied = true

		return false, time.Millisecond
	}

	return true, 0
}

func TestBlockThrottledRetry(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	file := &memFile{data: make([]byte, 1<<20)}

	blk := device.NewBlock(file, 1<<20, &oneShotLimiter{})
	m := device.NewMMIO("blk", r.mem, func() error { return nil }, blk)
	blk.Attach(m)

	t.Cleanup(func() { _ = m.Close() })

	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1)

	head := blockRequest(r, 0, 0, nil, 512)
	r.publish(0, head)
	mmioWrite32(t, m, 0x050, 0)

	// First pass is throttled; the timer re-kick completes the request.
	require.Eventually(t, func() bool { return r.usedIdx() == 1 },
		time.Second, time.Millisecond)
}

// slowFile parks the first WriteAt until released, so tests can observe
// the worker mid-request.
type slowFile struct {
	memFile
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *slowFile) WriteAt(p []byte, off int64) (int, error) {
	f.once.Do(func() { close(f.entered) })
	<-f.release

	return f.memFile.WriteAt(p, off)
}

func TestBlockPauseQuiesces(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	file := &slowFile{
		memFile: memFile{data: make([]byte, 1<<20)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	blk := device.NewBlock(file, 1<<20, ratelimit.Unlimited())
	m := device.NewMMIO("blk", r.mem, func() error { return nil }, blk)
	blk.Attach(m)

	t.Cleanup(func() { _ = m.Close() })

	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1)

	payload := make([]byte, 512)
	head := blockRequest(r, 1, 0, payload, 0)
	r.publish(0, head)
	mmioWrite32(t, m, 0x050, 0)

	<-file.entered

	paused := make(chan struct{})

	go func() {
		m.Pause()
		close(paused)
	}()

	// Pause must wait for the in-flight write, not cut it off.
	select {
	case <-paused:
		t.Fatal("pause returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(file.release)

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause did not complete after the request finished")
	}

	assert.Equal(t, uint16(1), r.usedIdx())

	// A kick while paused stays pending until resume.
	head = blockRequest(r, 1, 1, payload, 0)
	r.publish(1, head)
	mmioWrite32(t, m, 0x050, 0)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint16(1), r.usedIdx(), "ring advanced while paused")

	m.Resume()

	require.Eventually(t, func() bool { return r.usedIdx() == 2 },
		time.Second, time.Millisecond)
}

func TestBlockRequestOutOfRange(t *testing.T) {
	t.Parallel()

	r := newRing(t)

	file := &memFile{data: make([]byte, 1<<20)}

	blk := device.NewBlock(file, 1<<20, ratelimit.Unlimited())
	m := device.NewMMIO("blk", r.mem, func() error { return nil }, blk)
	blk.Attach(m)

	t.Cleanup(func() { _ = m.Close() })

	mmioWrite32(t, m, 0x038, ringNum)
	mmioWrite32(t, m, 0x080, ringDesc)
	mmioWrite32(t, m, 0x090, ringAvail)
	mmioWrite32(t, m, 0x0a0, ringUsed)
	mmioWrite32(t, m, 0x044, 1)

	// 1 MiB backing file holds 2048 sectors; ask for one far past the end.
	head := blockRequest(r, 0, 1<<32, nil, 512)
	statusAddr := r.buf - 16

	r.publish(0, head)
	mmioWrite32(t, m, 0x050, 0)

	require.Eventually(t, func() bool { return r.usedIdx() == 1 },
		time.Second, time.Millisecond)

	status := make([]byte, 1)
	require.NoError(t, r.mem.ReadAt(status, statusAddr))
	assert.Equal(t, byte(1), status[0], "device must report an I/O error")
}

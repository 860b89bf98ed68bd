package vmm

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kuvisor/kuvisor/memory"
	"github.com/kuvisor/kuvisor/snapshot"
	"github.com/kuvisor/kuvisor/vcpu"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner cooperates with kicks and the immediate-exit byte the way a
// real vCPU does.
type fakeRunner struct {
	immediate chan bool
	yield     bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{immediate: make(chan bool, 16)}
}

func (f *fakeRunner) RunOnce() (vcpu.Disposition, error) {
	select {
	case v := <-f.immediate:
		f.yield = v
	default:
	}

	if f.yield {
		return vcpu.Yield, nil
	}

	time.Sleep(time.Millisecond)

	return vcpu.Continue, nil
}

func (f *fakeRunner) SetImmediateExit(v bool) { f.immediate <- v }
func (f *fakeRunner) Kick() error             { return nil }

// stuckRunner never yields: kicks and the immediate-exit byte are
// ignored until the test releases it.
type stuckRunner struct {
	release chan struct{}
}

func (s *stuckRunner) RunOnce() (vcpu.Disposition, error) {
	<-s.release

	return vcpu.Continue, nil
}

func (s *stuckRunner) SetImmediateExit(bool) {}
func (s *stuckRunner) Kick() error           { return nil }

// fakeBackend carries just enough machine state for the controller.
type fakeBackend struct {
	t   *testing.T
	mem *memory.AddressSpace

	ncpus    int
	restored []int
	devices  []snapshot.DeviceBlob
	pauses   int
	resumes  int
	closes   int
}

func newFakeBackend(t *testing.T, ncpus int) *fakeBackend {
	t.Helper()

	mem := memory.New()

	_, err := mem.Map(0, 4*memory.PageSize, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Free() })

	return &fakeBackend{t: t, mem: mem, ncpus: ncpus}
}

func (f *fakeBackend) SaveCPUState(cpu int) (snapshot.VCPUState, error) {
	return snapshot.VCPUState{Regs: []byte{byte(cpu)}}, nil
}

func (f *fakeBackend) RestoreCPUState(cpu int, st snapshot.VCPUState) error {
	f.restored = append(f.restored, cpu)

	return nil
}

func (f *fakeBackend) SaveVMState() (snapshot.VMState, error) {
	return snapshot.VMState{Clock: []byte{1}}, nil
}

func (f *fakeBackend) RestoreVMState(st snapshot.VMState) error { return nil }

func (f *fakeBackend) SaveDeviceState() ([]snapshot.DeviceBlob, error) {
	return []snapshot.DeviceBlob{{Name: "serial", Version: 1, Data: []byte("x")}}, nil
}

func (f *fakeBackend) RestoreDeviceState(blobs []snapshot.DeviceBlob) error {
	f.devices = blobs

	return nil
}

func (f *fakeBackend) SnapshotConfig() snapshot.Config {
	return snapshot.Config{NCPUs: f.ncpus, MemSize: 4 * memory.PageSize}
}

func (f *fakeBackend) RegionDescs() []snapshot.RegionDesc {
	return []snapshot.RegionDesc{{GuestBase: 0, Size: 4 * memory.PageSize}}
}

func (f *fakeBackend) CheckManifest(man *snapshot.Manifest) error {
	if man.Config != f.SnapshotConfig() {
		return ErrStuckVcpu // any error will do for the test
	}

	return nil
}

func (f *fakeBackend) SyncDirty() error          { return nil }
func (f *fakeBackend) Mem() *memory.AddressSpace { return f.mem }
func (f *fakeBackend) PauseDevices()             { f.pauses++ }
func (f *fakeBackend) ResumeDevices()            { f.resumes++ }
func (f *fakeBackend) Close() error              { f.closes++; return nil }

// startFake launches the engines as a boot would, without a machine.
func startFake(c *Controller) {
	c.mu.Lock()
	c.launch()
	c.state = StateRunning
	c.mu.Unlock()
}

func newFakeController(t *testing.T, ncpus int) (*Controller, *fakeBackend) {
	t.Helper()

	b := newFakeBackend(t, ncpus)

	runners := make([]vcpu.Runner, ncpus)
	for i := range runners {
		runners[i] = newFakeRunner()
	}

	c := newController(b, runners, Config{PauseTimeout: time.Second})

	return c, b
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	c, b := newFakeController(t, 4)

	// Control commands are rejected before the machine starts.
	var trErr *TransitionError
	require.ErrorAs(t, c.Pause(), &trErr)
	assert.Equal(t, StateConfiguring, trErr.From)

	startFake(c)

	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())
	assert.Equal(t, 1, b.pauses, "device workers must quiesce with the vcpus")

	// Idempotent while paused.
	require.NoError(t, c.Pause())
	assert.Equal(t, 1, b.pauses)

	require.NoError(t, c.Resume())
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 1, b.resumes)

	// No-op while running.
	require.NoError(t, c.Resume())

	require.NoError(t, c.Shutdown())
	assert.Equal(t, StateExited, c.State())
}

func TestPauseTimeoutCrashes(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, 2)
	stuck := &stuckRunner{release: make(chan struct{})}
	runners := []vcpu.Runner{newFakeRunner(), stuck}

	c := newController(b, runners, Config{PauseTimeout: 50 * time.Millisecond})
	startFake(c)

	err := c.Pause()
	require.ErrorIs(t, err, ErrStuckVcpu)
	assert.Equal(t, StateCrashed, c.State())

	// Unblock the stuck thread so it can observe the stop request posted
	// by the crash path, then join everything.
	close(stuck.release)
	require.NoError(t, c.Wait())

	// A crashed machine still owns its backend until shutdown.
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, b.closes)
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	c, b := newFakeController(t, 2)
	startFake(c)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.Equal(t, 1, b.closes)
}

func TestSnapshotWhileRunningResumes(t *testing.T) {
	t.Parallel()

	c, _ := newFakeController(t, 2)
	startFake(c)

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, c.Snapshot(path, SnapshotOptions{}))
	assert.Equal(t, StateRunning, c.State())

	man := readManifest(t, path)
	assert.Equal(t, 2, man.Config.NCPUs)
	assert.Len(t, man.VCPUs, 2)
	assert.Equal(t, []byte{1}, man.VM.Clock)

	require.NoError(t, c.Shutdown())
}

func TestSnapshotWhilePausedStaysPaused(t *testing.T) {
	t.Parallel()

	c, _ := newFakeController(t, 2)
	startFake(c)

	require.NoError(t, c.Pause())

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, c.Snapshot(path, SnapshotOptions{}))
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Shutdown())
}

func readManifest(t *testing.T, path string) *snapshot.Manifest {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)

	defer f.Close()

	man, err := snapshot.ReadManifest(f)
	require.NoError(t, err)

	return man
}

func TestRestoreLeavesPaused(t *testing.T) {
	t.Parallel()

	src, _ := newFakeController(t, 2)
	startFake(src)

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, src.Snapshot(path, SnapshotOptions{}))
	require.NoError(t, src.Shutdown())

	dst, db := newFakeController(t, 2)
	require.NoError(t, dst.Restore(path))
	assert.Equal(t, StatePaused, dst.State())
	assert.Equal(t, 1, db.pauses, "restored machine holds its devices until resume")
	assert.Equal(t, []int{0, 1}, db.restored)
	require.Len(t, db.devices, 1)
	assert.Equal(t, "serial", db.devices[0].Name)

	require.NoError(t, dst.Resume())
	assert.Equal(t, StateRunning, dst.State())

	require.NoError(t, dst.Shutdown())
}

func TestRestoreConfigMismatch(t *testing.T) {
	t.Parallel()

	src, _ := newFakeController(t, 2)
	startFake(src)

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, src.Snapshot(path, SnapshotOptions{}))
	require.NoError(t, src.Shutdown())

	dst, _ := newFakeController(t, 4)
	require.Error(t, dst.Restore(path))

	require.NoError(t, dst.Shutdown())
}

func TestControlSocket(t *testing.T) {
	t.Parallel()

	c, _ := newFakeController(t, 1)
	startFake(c)

	path := filepath.Join(t.TempDir(), "ctl.sock")

	stop, err := c.ServeControl(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = stop() })

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)

	defer conn.Close()

	send := func(cmd string) string {
		_, err := conn.Write([]byte(cmd + "\n"))
		require.NoError(t, err)

		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		require.NoError(t, err)

		return string(buf[:n])
	}

	assert.Equal(t, "OK\n", send("PAUSE"))
	assert.Equal(t, StatePaused, c.State())

	assert.Equal(t, "OK\n", send("RESUME"))
	assert.Contains(t, send("BOGUS"), "ERROR")
	assert.Contains(t, send("SNAPSHOT"), "ERROR")

	assert.Equal(t, "OK\n", send("SHUTDOWN"))
	assert.Equal(t, StateExited, c.State())
}

// Package vmm is the monitor control plane: it owns the lifecycle state
// machine, fans the vCPU engines out onto their threads, coordinates the
// pause rendezvous and drives snapshot save and restore. All control
// operations are serialized; the data plane (vCPU threads, device
// workers) runs free between them.
package vmm

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuvisor/kuvisor/barrier"
	"github.com/kuvisor/kuvisor/loader"
	"github.com/kuvisor/kuvisor/machine"
	"github.com/kuvisor/kuvisor/memory"
	"github.com/kuvisor/kuvisor/seccomp"
	"github.com/kuvisor/kuvisor/snapshot"
	"github.com/kuvisor/kuvisor/vcpu"
)

// State is the monitor lifecycle stage.
type State int32

const (
	StateConfiguring State = iota
	StateRunning
	StatePaused
	StateExited
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrStuckVcpu means a vCPU failed to reach the pause rendezvous in
	// time. The machine is unrecoverable: its memory and device state
	// cannot be trusted to be quiescent.
	ErrStuckVcpu = errors.New("vcpu did not reach pause point")

	// ErrAlreadyStarted guards the one-shot boot and restore paths.
	ErrAlreadyStarted = errors.New("machine already started")
)

// TransitionError reports a control command arriving in a state that does
// not accept it.
type TransitionError struct {
	From State
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.From)
}

// backend is the machine surface the controller drives. *machine.Machine
// implements it; tests substitute a stub to exercise the state machine
// without /dev/kvm.
type backend interface {
	SaveCPUState(cpu int) (snapshot.VCPUState, error)
	RestoreCPUState(cpu int, st snapshot.VCPUState) error
	SaveVMState() (snapshot.VMState, error)
	RestoreVMState(st snapshot.VMState) error
	SaveDeviceState() ([]snapshot.DeviceBlob, error)
	RestoreDeviceState(blobs []snapshot.DeviceBlob) error
	SnapshotConfig() snapshot.Config
	RegionDescs() []snapshot.RegionDesc
	CheckManifest(man *snapshot.Manifest) error
	SyncDirty() error
	PauseDevices()
	ResumeDevices()
	Mem() *memory.AddressSpace
	Close() error
}

// Config tunes the controller.
type Config struct {
	// PauseTimeout bounds how long a pause waits for every vCPU to reach
	// its rendezvous before declaring the machine crashed.
	PauseTimeout time.Duration

	// Filter is installed on every vCPU thread before its first guest
	// entry. Nil means no filter.
	Filter seccomp.Filter
}

const defaultPauseTimeout = 2 * time.Second

// Controller owns one machine's lifecycle.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   State
	backend backend
	engines []*vcpu.Engine
	runners []vcpu.Runner

	// paused is the held barrier while StatePaused; releasing it is what
	// resumes the guest.
	paused *barrier.Barrier

	events  chan vcpu.Event
	eg      *errgroup.Group
	started bool
	closed  bool
}

// New wraps m in a controller. The machine does not run until Boot or
// Restore.
func New(m *machine.Machine, cfg Config) *Controller {
	runners := make([]vcpu.Runner, len(m.VCPUs()))
	for i, v := range m.VCPUs() {
		runners[i] = v
	}

	return newController(m, runners, cfg)
}

func newController(b backend, runners []vcpu.Runner, cfg Config) *Controller {
	if cfg.PauseTimeout == 0 {
		cfg.PauseTimeout = defaultPauseTimeout
	}

	if cfg.Filter == nil {
		cfg.Filter = seccomp.NoFilter{}
	}

	c := &Controller{
		cfg:     cfg,
		backend: b,
		runners: runners,
		events:  make(chan vcpu.Event, len(runners)),
	}

	c.engines = make([]*vcpu.Engine, len(runners))
	for i, r := range runners {
		c.engines[i] = vcpu.New(i, r, cfg.Filter, c.events)
	}

	return c
}

// State reports the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Boot loads the boot source and starts every vCPU running.
func (c *Controller) Boot(l loader.Loader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	m, ok := c.backend.(*machine.Machine)
	if !ok {
		return errors.New("boot requires a real machine")
	}

	if err := m.LoadImage(l); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	c.launch()
	c.state = StateRunning

	return nil
}

// launch starts the engine threads and the event watcher. Callers hold
// c.mu.
func (c *Controller) launch() {
	c.started = true
	c.eg = &errgroup.Group{}

	for _, e := range c.engines {
		e := e
		c.eg.Go(e.Run)
	}

	go c.watch()
}

// watch folds engine terminal events into the lifecycle: the first error
// crashes the machine, and the machine exits when every engine has.
func (c *Controller) watch() {
	remaining := len(c.engines)

	for ev := range c.events {
		c.mu.Lock()

		if ev.Err != nil {
			log.Printf("vmm: vcpu %d failed: %v", ev.CPU, ev.Err)

			if c.state != StateCrashed && c.state != StateExited {
				c.state = StateCrashed
				c.stopEnginesLocked()
			}
		}

		remaining--
		if remaining == 0 {
			if c.state != StateCrashed {
				c.state = StateExited
			}

			c.mu.Unlock()

			return
		}

		c.mu.Unlock()
	}
}

// stopEnginesLocked posts stop to every engine and releases a held pause
// barrier so parked threads can observe it. Callers hold c.mu.
func (c *Controller) stopEnginesLocked() {
	for _, e := range c.engines {
		e.RequestStop()
	}

	if c.paused != nil {
		c.paused.Release()
		c.paused = nil
	}
}

// Pause quiesces every vCPU at a safe point. Pausing a paused machine is
// a no-op. On rendezvous timeout the machine transitions to crashed:
// there is no third outcome between "all parked" and "unrecoverable".
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pauseLocked()
}

func (c *Controller) pauseLocked() error {
	switch c.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return &TransitionError{From: c.state, Op: "pause"}
	}

	b := barrier.New(len(c.engines))
	for _, e := range c.engines {
		e.RequestPause(b)
	}

	if err := b.AwaitFull(c.cfg.PauseTimeout); err != nil {
		c.state = StateCrashed
		c.stopEnginesLocked()
		b.Release()

		return fmt.Errorf("%w: %v", ErrStuckVcpu, err)
	}

	// The vCPUs are parked; now quiesce device workers so nothing keeps
	// mutating guest memory behind the pause.
	c.backend.PauseDevices()

	c.paused = b
	c.state = StatePaused

	return nil
}

// Resume releases the pause rendezvous. Resuming a running machine is a
// no-op.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resumeLocked()
}

func (c *Controller) resumeLocked() error {
	switch c.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return &TransitionError{From: c.state, Op: "resume"}
	}

	c.backend.ResumeDevices()
	c.paused.Release()
	c.paused = nil
	c.state = StateRunning

	return nil
}

// Shutdown stops every vCPU, waits for the threads to join and releases
// the machine. It is idempotent, and closes the machine even when the
// guest already exited or crashed on its own.
func (c *Controller) Shutdown() error {
	c.mu.Lock()

	if c.state != StateExited && c.state != StateCrashed {
		c.stopEnginesLocked()
		c.state = StateExited
	}

	eg := c.eg
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if eg != nil {
		_ = eg.Wait()
	}

	if alreadyClosed {
		return nil
	}

	return c.backend.Close()
}

// Wait blocks until every vCPU thread has finished and returns the first
// engine error, if any.
func (c *Controller) Wait() error {
	c.mu.Lock()
	eg := c.eg
	c.mu.Unlock()

	if eg == nil {
		return nil
	}

	return eg.Wait()
}

// SnapshotOptions selects what the snapshot contains.
type SnapshotOptions struct {
	// Incremental writes only pages dirtied since the previous snapshot
	// instead of the full memory image.
	Incremental bool
}

// Snapshot writes the manifest to path and the memory image to
// path+".mem". From running, the machine is paused around the export and
// resumed after; from paused it stays paused.
func (c *Controller) Snapshot(path string, opts SnapshotOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasRunning := c.state == StateRunning

	if err := c.pauseLocked(); err != nil {
		return err
	}

	if err := c.exportLocked(path, opts); err != nil {
		return err
	}

	if wasRunning {
		return c.resumeLocked()
	}

	return nil
}

func (c *Controller) exportLocked(path string, opts SnapshotOptions) error {
	man := &snapshot.Manifest{
		CreatedUnix: time.Now().Unix(),
		Config:      c.backend.SnapshotConfig(),
		Regions:     c.backend.RegionDescs(),
	}

	for i := range c.engines {
		st, err := c.backend.SaveCPUState(i)
		if err != nil {
			return err
		}

		man.VCPUs = append(man.VCPUs, st)
	}

	vm, err := c.backend.SaveVMState()
	if err != nil {
		return err
	}

	man.VM = vm

	if man.Devices, err = c.backend.SaveDeviceState(); err != nil {
		return err
	}

	manFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer manFile.Close()

	if err := snapshot.WriteManifest(manFile, man); err != nil {
		return err
	}

	memFile, err := os.Create(path + ".mem")
	if err != nil {
		return fmt.Errorf("create memory image: %w", err)
	}
	defer memFile.Close()

	// Fold the hypervisor's dirty log in and take the accumulated bitmap;
	// draining resets the baseline so the next incremental snapshot
	// covers exactly the writes from here on.
	if err := c.backend.SyncDirty(); err != nil {
		return err
	}

	bitmap := c.backend.Mem().DrainDirty()

	if opts.Incremental {
		if err := snapshot.WriteMemoryDirty(memFile, c.backend.Mem(), bitmap); err != nil {
			return err
		}
	} else if err := snapshot.WriteMemoryFull(memFile, c.backend.Mem()); err != nil {
		return err
	}

	if err := manFile.Sync(); err != nil {
		return err
	}

	return memFile.Sync()
}

// Restore loads a snapshot into the not-yet-started machine and leaves it
// paused; Resume starts guest execution. The vCPU threads are launched
// pre-armed with a pause request, so they park before executing a single
// guest instruction.
func (c *Controller) Restore(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	manFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer manFile.Close()

	man, err := snapshot.ReadManifest(manFile)
	if err != nil {
		return err
	}

	if err := c.backend.CheckManifest(man); err != nil {
		return err
	}

	memFile, err := os.Open(path + ".mem")
	if err != nil {
		return fmt.Errorf("open memory image: %w", err)
	}
	defer memFile.Close()

	if err := snapshot.ReadMemory(memFile, c.backend.Mem()); err != nil {
		return err
	}

	for i, st := range man.VCPUs {
		if err := c.backend.RestoreCPUState(i, st); err != nil {
			return err
		}
	}

	if err := c.backend.RestoreVMState(man.VM); err != nil {
		return err
	}

	if err := c.backend.RestoreDeviceState(man.Devices); err != nil {
		return err
	}

	b := barrier.New(len(c.engines))
	for _, e := range c.engines {
		e.RequestPause(b)
	}

	c.launch()

	if err := b.AwaitFull(c.cfg.PauseTimeout); err != nil {
		c.state = StateCrashed
		c.stopEnginesLocked()
		b.Release()

		return fmt.Errorf("%w: %v", ErrStuckVcpu, err)
	}

	// Hold the devices too, so Resume replays any queue work the
	// snapshot captured in flight.
	c.backend.PauseDevices()

	c.paused = b
	c.state = StatePaused

	return nil
}

// Package vcpu runs one guest CPU per OS thread. The Engine owns the run
// loop and its lifecycle state; the hypervisor specifics live behind the
// Runner seam so the loop's pause and shutdown logic is testable without
// /dev/kvm.
package vcpu

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"

	"github.com/kuvisor/kuvisor/barrier"
	"github.com/kuvisor/kuvisor/seccomp"
)

// Disposition classifies one completed run step.
type Disposition int

const (
	// Continue means the exit was handled and the guest should re-enter.
	Continue Disposition = iota

	// Yield means the run was interrupted from outside (a kick or an
	// armed immediate-exit byte). The loop checks for pause and stop
	// requests before re-entering.
	Yield

	// Halted means the guest executed HLT with no wakeup pending.
	Halted

	// Shutdown means the guest requested shutdown or triple-faulted.
	Shutdown
)

// Runner executes one guest CPU step at a time. RunOnce blocks in the
// hypervisor until the next exit and handles it; SetImmediateExit and
// Kick are safe from other threads and together force a prompt Yield.
type Runner interface {
	RunOnce() (Disposition, error)
	SetImmediateExit(v bool)
	Kick() error
}

// State is the life stage of one engine.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StatePaused
	StateExited
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExited:
		return "exited"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is a terminal transition reported to the controller.
type Event struct {
	CPU   int
	State State
	Err   error
}

// Engine drives one Runner on a locked OS thread. Pause and stop requests
// are posted from the controller thread and observed at exit boundaries,
// never mid-instruction.
type Engine struct {
	cpu    int
	runner Runner
	filter seccomp.Filter
	events chan<- Event

	pause atomic.Pointer[barrier.Barrier]
	stop  atomic.Bool
	state atomic.Int32
}

// New returns an engine for cpu. Terminal transitions are delivered on
// events; filter is installed on the run thread before the first guest
// entry.
func New(cpu int, runner Runner, filter seccomp.Filter, events chan<- Event) *Engine {
	return &Engine{
		cpu:    cpu,
		runner: runner,
		filter: filter,
		events: events,
	}
}

// State reports the engine's current life stage.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// RequestPause posts b as the pause rendezvous and forces the run thread
// to yield. The engine arrives at b at its next exit boundary and stays
// parked until the barrier is released.
func (e *Engine) RequestPause(b *barrier.Barrier) {
	e.pause.Store(b)
	e.runner.SetImmediateExit(true)

	if err := e.runner.Kick(); err != nil {
		log.Printf("vcpu %d: kick: %v", e.cpu, err)
	}
}

// RequestStop makes the run loop exit at its next boundary. A stopped
// engine reports StateExited.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
	e.runner.SetImmediateExit(true)

	if err := e.runner.Kick(); err != nil {
		log.Printf("vcpu %d: kick: %v", e.cpu, err)
	}
}

// Run is the thread body. It locks the goroutine to its OS thread for the
// lifetime of the vCPU: the hypervisor binds per-CPU state to the thread
// that created it, and the seccomp filter installed here is per-thread.
func (e *Engine) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// The filter must be in place before the first guest entry; after
	// this point the thread cannot widen its own syscall surface.
	if err := e.filter.Install(); err != nil {
		err = fmt.Errorf("vcpu %d: seccomp: %w", e.cpu, err)
		e.finish(StateErrored, err)

		return err
	}

	e.state.Store(int32(StateRunning))

	for {
		d, err := e.runner.RunOnce()
		if err != nil {
			err = fmt.Errorf("vcpu %d: %w", e.cpu, err)
			e.finish(StateErrored, err)

			return err
		}

		// A pause parks here until release; the stop check below then
		// honors a teardown that released the barrier to unpark us.
		e.parkIfPauseRequested()

		if e.stop.Load() {
			e.finish(StateExited, nil)

			return nil
		}

		switch d {
		case Continue, Yield:
		case Halted, Shutdown:
			e.finish(StateExited, nil)

			return nil
		}
	}
}

// parkIfPauseRequested consumes a posted pause request: it disarms the
// immediate-exit byte, arrives at the barrier and blocks until release.
func (e *Engine) parkIfPauseRequested() {
	b := e.pause.Load()
	if b == nil {
		return
	}

	e.pause.CompareAndSwap(b, nil)
	e.runner.SetImmediateExit(false)

	e.state.Store(int32(StatePaused))
	b.Arrive()
	e.state.Store(int32(StateRunning))
}

func (e *Engine) finish(s State, err error) {
	e.state.Store(int32(s))

	if e.events != nil {
		e.events <- Event{CPU: e.cpu, State: s, Err: err}
	}
}

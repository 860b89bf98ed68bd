// Package barrier provides the pause rendezvous used to quiesce all vCPU
// threads at once. A Barrier is single-use: the controller creates a fresh
// one per pause cycle, which keeps the synchronization contract explicit
// instead of spreading shared flags around.
package barrier

import (
	"errors"
	"time"
)

// ErrTimeout is returned by AwaitFull when fewer than n participants
// arrive within the deadline. The caller must treat the machine as
// unrecoverable: a partial pause can be neither snapshotted nor resumed.
var ErrTimeout = errors.New("barrier wait timed out")

// Barrier is a countdown-and-release rendezvous for n participants plus
// one coordinator.
type Barrier struct {
	n        int
	arrivals chan struct{}
	release  chan struct{}
}

// New returns a barrier for n participants.
func New(n int) *Barrier {
	return &Barrier{
		n:        n,
		arrivals: make(chan struct{}, n),
		release:  make(chan struct{}),
	}
}

// Arrive reports this participant as quiesced and blocks until Release.
func (b *Barrier) Arrive() {
	b.arrivals <- struct{}{}

	<-b.release
}

// AwaitFull blocks until all n participants have arrived, or fails with
// ErrTimeout. On success every participant is parked in Arrive and stays
// parked until Release.
func (b *Barrier) AwaitFull(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i := 0; i < b.n; i++ {
		select {
		case <-b.arrivals:
		case <-timer.C:
			return ErrTimeout
		}
	}

	return nil
}

// Release unparks every arrived participant. It must be called exactly
// once. After an AwaitFull timeout the machine is torn down, but teardown
// still calls Release so that threads parked in Arrive can wake and
// observe the stop request.
func (b *Barrier) Release() {
	close(b.release)
}

// Package marketdata holds the latest ingested market value, the catalog of
// broadcast channels and the inlets that feed values in from outside.
package marketdata

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Snapshot is one immutable version of the register.
type Snapshot struct {
	Value     string
	UpdatedAt time.Time
	// Version counts completed writes; zero means nothing was ingested yet.
	Version uint64
}

// Empty reports whether no value has been ingested.
func (s Snapshot) Empty() bool {
	return s.Version == 0
}

// SnapshotReader is the read side handed to connection actors.
type SnapshotReader interface {
	Get() Snapshot
}

// Register is a single-slot, last-write-wins store. Writers swap in a new
// immutable Snapshot so readers never block.
type Register struct {
	current atomic.Pointer[Snapshot]
	clock   clockwork.Clock
}

// NewRegister creates an empty register stamping writes with clock.
func NewRegister(clock clockwork.Clock) *Register {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Register{clock: clock}
	r.current.Store(&Snapshot{})
	return r
}

// Set overwrites the stored value and returns the snapshot it installed.
func (r *Register) Set(value string) Snapshot {
	for {
		old := r.current.Load()
		next := &Snapshot{
			Value:     value,
			UpdatedAt: r.clock.Now(),
			Version:   old.Version + 1,
		}
		if r.current.CompareAndSwap(old, next) {
			return *next
		}
	}
}

// Get returns the current snapshot.
func (r *Register) Get() Snapshot {
	return *r.current.Load()
}

// Version returns the number of completed writes.
func (r *Register) Version() uint64 {
	return r.current.Load().Version
}

package dma

import (
	"github.com/usnistgov/iqstream/memory"
)

// SimUnit is a DMA unit backed by a memory.Bus. The copy happens when the
// descriptor is issued; Busy then stays true for Latency polls, so callers
// exercise the same wait paths as on hardware.
type SimUnit struct {
	bus       *memory.Bus
	busyPolls int
	failed    bool
	failNext  bool
	history   []Descriptor

	Latency int
	// MaxHistory bounds the descriptor history; zero keeps everything.
	MaxHistory int
}

// NewSimUnit returns a simulated unit that copies on bus.
func NewSimUnit(bus *memory.Bus, latency int) *SimUnit {
	return &SimUnit{bus: bus, Latency: latency}
}

// Busy reports whether a transfer or reset is still in flight.
func (u *SimUnit) Busy() bool {
	if u.busyPolls > 0 {
		u.busyPolls--
		return true
	}
	return false
}

// Failed reports whether the last transfer ended in error.
func (u *SimUnit) Failed() bool { return u.failed }

// Reset clears the error state after Latency polls.
func (u *SimUnit) Reset() {
	u.failed = false
	u.busyPolls = u.Latency
}

// Start performs the copy. Copies touching unmapped memory, or any copy
// following a call to FailNext, leave the unit in the failed state.
func (u *SimUnit) Start(d Descriptor) {
	u.history = append(u.history, d)
	if u.MaxHistory > 0 && len(u.history) >= 2*u.MaxHistory {
		u.history = append(u.history[:0], u.history[len(u.history)-u.MaxHistory:]...)
	}
	u.busyPolls = u.Latency
	if u.failNext {
		u.failNext = false
		u.failed = true
		return
	}
	if err := u.bus.Copy(d.Dst, d.Src, d.Len); err != nil {
		u.failed = true
	}
}

// FailNext makes the next transfer end in error without copying.
func (u *SimUnit) FailNext() { u.failNext = true }

// History returns every descriptor issued so far.
func (u *SimUnit) History() []Descriptor { return u.history }

// ClearHistory forgets the issued descriptors.
func (u *SimUnit) ClearHistory() { u.history = u.history[:0] }

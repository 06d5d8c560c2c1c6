package stream

import (
	"fmt"
	"log"

	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// RefillState names the kind of refill the TX machine performed.
type RefillState int

// TX refill states.
const (
	RefillIdle       RefillState = iota // nothing to refill
	RefillingFull                       // write-done: whole staging buffer from offset 0
	RefillingHalf                       // write-done in continuous mode: first half only
	RefillingRolling                    // steady state: one threshold block at the write cursor
	RefillUnderflow                     // hardware underflow, interrupt abandoned
)

var refillStateNames = [...]string{"Idle", "RefillingFull", "RefillingHalf", "RefillingRolling", "Underflow"}

func (s RefillState) String() string {
	if int(s) < len(refillStateNames) {
		return refillStateNames[s]
	}
	return fmt.Sprintf("RefillState(%d)", int(s))
}

// RefillStats counts TX refill activity.
type RefillStats struct {
	Interrupts uint64
	Underflows uint64
	Spurious   uint64
	Full       uint64
	Half       uint64
	Rolling    uint64
	Bytes      uint64 // IQ bytes per channel
}

// Refill is the TX refill state machine.
type Refill struct {
	geo    *geometry.Map
	regs   regs.Interrupt
	engine *dma.Engine
	state  RefillState
	stats  RefillStats

	Logger *log.Logger
	// Observe, if set, is called with the byte count of every refill.
	Observe func(n uint32)
}

// NewRefill returns the TX refill machine for geometry geo.
func NewRefill(geo *geometry.Map, r regs.Interrupt, engine *dma.Engine) *Refill {
	return &Refill{geo: geo, regs: r, engine: engine}
}

// State returns the state entered by the most recent interrupt.
func (f *Refill) State() RefillState { return f.state }

// Stats returns a copy of the activity counters.
func (f *Refill) Stats() RefillStats { return f.stats }

func (f *Refill) logger() *log.Logger {
	if f.Logger == nil {
		return log.Default()
	}
	return f.Logger
}

// HandleInterrupt services one TX interrupt and returns the new state.
func (f *Refill) HandleInterrupt() RefillState {
	f.stats.Interrupts++
	f.state = f.service()
	switch f.state {
	case RefillingFull:
		f.stats.Full++
	case RefillingHalf:
		f.stats.Half++
	case RefillingRolling:
		f.stats.Rolling++
	}
	return f.state
}

func (f *Refill) service() RefillState {
	staging := f.geo.StagingBytes()
	if !f.geo.BulkPresent() {
		// Staging is the whole buffer; there is nothing to roll.
		f.regs.SetTxRefillWrite(staging)
		return RefillIdle
	}

	status := f.regs.Status()
	if status.Has(regs.TxUnderflow) {
		f.stats.Underflows++
		f.logger().Printf("stream.Refill: TX underflow (write=0x%x), no transfer issued", f.regs.TxRefillWrite())
		return RefillUnderflow
	}

	enabled := f.regs.Control().TxEnabled() & f.geo.Wired()
	if enabled == 0 {
		f.stats.Spurious++
		return RefillIdle
	}

	total := f.regs.TxLength()
	if total == 0 {
		return RefillIdle
	}
	threshold := f.regs.Threshold()

	var offset, n uint32
	var next RefillState
	if status.Has(regs.WriteDone) {
		// The whole buffer has played; stage the next pass from the start.
		// In continuous mode the second half of staging is still on air.
		offset = 0
		if f.regs.Control().Continuous() {
			n, next = staging/2, RefillingHalf
		} else {
			n, next = staging, RefillingFull
		}
		f.regs.AckWriteDone()
	} else {
		offset = f.regs.TxRefillWrite()
		offset -= offset % threshold
		if offset >= total {
			offset = 0
		}
		n, next = threshold, RefillingRolling
	}
	if offset+n > total {
		n = total - offset
	}
	if rel := offset % staging; rel+n > staging {
		n = staging - rel
	}

	for _, ch := range enabled.Channels() {
		st, bulk := f.geo.Staging(ch, geometry.TxIQ), f.geo.Buffer(ch, geometry.TxIQ)
		f.engine.Transfer(bulk.Base+addr(offset), st.Base+addr(offset%staging), n)
	}
	f.regs.SetTxRefillWrite(offset + n)
	f.stats.Bytes += uint64(n)
	if f.Observe != nil {
		f.Observe(n)
	}
	return next
}

func addr(v uint32) memory.Addr { return memory.Addr(v) }

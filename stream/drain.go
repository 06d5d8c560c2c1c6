// Package stream holds the two interrupt-driven state machines that slide
// the staging window across the bulk rings: Drain moves received samples
// from staging to bulk memory, Refill moves transmit samples from bulk
// memory back into staging.
//
// Both handlers are the only software writers of their cursor registers.
// They never block except inside the transfer engine, and they always run to
// completion once entered.
package stream

import (
	"fmt"
	"log"

	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/regs"
)

// DrainState names where the RX drain machine ended up after an interrupt.
type DrainState int

// RX drain states.
const (
	DrainIdle        DrainState = iota // nothing to move, or no ring to maintain
	Draining                           // read cursor advanced within the lap
	DrainLapComplete                   // last chunk of the lap moved, cursors reset
	DrainOverflow                      // hardware overflow, interrupt abandoned
)

var drainStateNames = [...]string{"Idle", "Draining", "LapComplete", "Overflow"}

func (s DrainState) String() string {
	if int(s) < len(drainStateNames) {
		return drainStateNames[s]
	}
	return fmt.Sprintf("DrainState(%d)", int(s))
}

// DrainStats counts RX drain activity.
type DrainStats struct {
	Interrupts uint64
	Overflows  uint64
	Spurious   uint64
	Laps       uint64
	Bytes      uint64 // IQ bytes per channel
}

// Drain is the RX drain state machine.
type Drain struct {
	geo    *geometry.Map
	regs   regs.Interrupt
	engine *dma.Engine
	state  DrainState
	stats  DrainStats

	Logger *log.Logger
	// Observe, if set, is called with the IQ byte count of every drain.
	Observe func(n uint32)
}

// NewDrain returns the RX drain machine for geometry geo.
func NewDrain(geo *geometry.Map, r regs.Interrupt, engine *dma.Engine) *Drain {
	return &Drain{geo: geo, regs: r, engine: engine}
}

// State returns the state entered by the most recent interrupt.
func (d *Drain) State() DrainState { return d.state }

// Stats returns a copy of the activity counters.
func (d *Drain) Stats() DrainStats { return d.stats }

func (d *Drain) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

// HandleInterrupt services one RX interrupt and returns the new state.
func (d *Drain) HandleInterrupt() DrainState {
	d.stats.Interrupts++
	d.state = d.service()
	return d.state
}

func (d *Drain) service() DrainState {
	if !d.geo.BulkPresent() {
		d.regs.ResetRxDrain()
		return DrainIdle
	}

	if d.regs.Status().Has(regs.RxOverflow) {
		d.stats.Overflows++
		read, write := d.regs.RxDrainCursors()
		d.logger().Printf("stream.Drain: RX overflow (read=0x%x write=0x%x), no transfer issued", read, write)
		return DrainOverflow
	}

	enabled := d.regs.Control().RxEnabled() & d.geo.Wired()
	if enabled == 0 {
		d.stats.Spurious++
		d.regs.ResetRxDrain()
		return DrainIdle
	}

	read, write := d.regs.RxDrainCursors()
	total := d.regs.RxLength()
	if read >= total || write > total {
		d.logger().Printf("stream.Drain: cursors read=0x%x write=0x%x outside RX length 0x%x, resetting",
			read, write, total)
		d.regs.ResetRxDrain()
		return DrainIdle
	}
	if read == write {
		return DrainIdle
	}

	n := drainLength(read, write, d.geo.StagingBytes())
	if read+n > total {
		n = total - read
	}

	for _, ch := range enabled.Channels() {
		stIQ, bulkIQ := d.geo.Staging(ch, geometry.RxIQ), d.geo.Buffer(ch, geometry.RxIQ)
		stRSSI, bulkRSSI := d.geo.Staging(ch, geometry.RSSI), d.geo.Buffer(ch, geometry.RSSI)
		rel := read % stIQ.Capacity
		d.engine.Transfer(stIQ.Base+addr(rel), bulkIQ.Base+addr(read), n)
		d.engine.Transfer(stRSSI.Base+addr(rel/geometry.RSSIRatio),
			bulkRSSI.Base+addr(read/geometry.RSSIRatio), n/geometry.RSSIRatio)
	}
	d.stats.Bytes += uint64(n)
	if d.Observe != nil {
		d.Observe(n)
	}

	next := read + n
	if next == total {
		d.regs.ResetRxDrain()
		d.stats.Laps++
		return DrainLapComplete
	}
	d.regs.SetRxDrainRead(next)
	return Draining
}

// drainLength returns the bytes to move this interrupt: everything up to the
// write cursor when it is ahead of the read cursor within the staging ring,
// otherwise everything up to the end of the staging ring. One interrupt
// never moves a block that spans the staging wrap point.
func drainLength(read, write, staging uint32) uint32 {
	rr, wr := read%staging, write%staging
	if wr > rr && write-read < staging {
		return write - read
	}
	return staging - rr
}

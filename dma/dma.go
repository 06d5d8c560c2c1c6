// Package dma drives the scatter-gather DMA unit that moves sample chunks
// between staging and bulk memory.
//
// Transfer never waits for its own copy to finish. It busy-waits for the
// previous transfer to retire, checks that transfer's error flag, and then
// issues the new descriptor, so the caller can prepare the next unit of work
// while the copy runs.
package dma

import (
	"errors"
	"fmt"
	"log"

	"github.com/usnistgov/iqstream/memory"
)

// ErrMisaligned reports a descriptor whose fields are not multiples of the
// unit's alignment. The unit does not fault on such a descriptor; it quietly
// corrupts the bytes around it.
var ErrMisaligned = errors.New("dma: misaligned descriptor")

// Descriptor is one block copy.
type Descriptor struct {
	Src memory.Addr
	Dst memory.Addr
	Len uint32
}

// NewDescriptor builds a descriptor, returning ErrMisaligned (together with
// the unmodified descriptor) when any field is not a multiple of align.
func NewDescriptor(src, dst memory.Addr, n, align uint32) (Descriptor, error) {
	d := Descriptor{Src: src, Dst: dst, Len: n}
	if !d.Aligned(align) {
		return d, fmt.Errorf("%w: src=0x%x dst=0x%x len=%d align=%d", ErrMisaligned, src, dst, n, align)
	}
	return d, nil
}

// Aligned reports whether all three fields are multiples of align.
func (d Descriptor) Aligned(align uint32) bool {
	a := uint64(align)
	return uint64(d.Src)%a == 0 && uint64(d.Dst)%a == 0 && uint64(d.Len)%a == 0
}

// Unit is the register interface of a DMA controller.
type Unit interface {
	Busy() bool       // a transfer or reset is in flight
	Failed() bool     // the previous transfer ended in error
	Reset()           // start a reset; Busy stays true until it completes
	Start(Descriptor) // issue a transfer; only legal when !Busy()
}

// Stats counts engine activity.
type Stats struct {
	Issued     uint64
	Bytes      uint64
	Misaligned uint64
	Errors     uint64
	Resets     uint64
	BusyPolls  uint64
}

// Engine is the transfer engine. It is not safe for concurrent use; the main
// loop and the interrupt handlers share one engine and never overlap.
type Engine struct {
	unit      Unit
	alignment uint32
	Logger    *log.Logger
	// Observe, if set, sees every descriptor just before it is issued.
	Observe func(Descriptor)
	stats   Stats
}

// NewEngine wraps unit, checking descriptors against alignment.
func NewEngine(unit Unit, alignment uint32) *Engine {
	return &Engine{unit: unit, alignment: alignment}
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

// Alignment returns the unit's required alignment in bytes.
func (e *Engine) Alignment() uint32 { return e.alignment }

// Stats returns a copy of the activity counters.
func (e *Engine) Stats() Stats { return e.stats }

// Transfer copies n bytes from src to dst. It returns as soon as the copy is
// issued. A zero-length transfer is skipped.
func (e *Engine) Transfer(src, dst memory.Addr, n uint32) {
	if n == 0 {
		return
	}
	d, err := NewDescriptor(src, dst, n, e.alignment)
	if err != nil {
		e.stats.Misaligned++
		e.logger().Printf("dma.Transfer: %v", err)
	}
	e.Wait()
	if e.unit.Failed() {
		e.stats.Errors++
		e.stats.Resets++
		e.logger().Printf("dma.Transfer: previous transfer failed, resetting unit before src=0x%x dst=0x%x len=%d",
			src, dst, n)
		e.unit.Reset()
		e.Wait()
	}
	if e.Observe != nil {
		e.Observe(d)
	}
	e.unit.Start(d)
	e.stats.Issued++
	e.stats.Bytes += uint64(n)
}

// Wait busy-polls until the unit is idle.
func (e *Engine) Wait() {
	for e.unit.Busy() {
		e.stats.BusyPolls++
	}
}

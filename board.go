package iqstream

import (
	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// Board is the radio hardware a Node drives. internal/simhw provides one
// that needs no hardware.
type Board interface {
	// Registers returns the register block shared with the radio.
	Registers() *regs.File
	// Memory returns the bus the staging and bulk buffers live on.
	Memory() *memory.Bus
	// DMA returns the unit that copies between staging and bulk memory.
	DMA() dma.Unit
	// BulkPresent reports whether the board carries bulk memory.
	BulkPresent() bool
	// Attach maps the memories geo needs. It is called once, before Step.
	Attach(geo *geometry.Map) error
	// Step advances the radio and returns the interrupts it raised.
	Step() regs.IRQ
	// Inspect returns a printable dump of the board state.
	Inspect() string
}

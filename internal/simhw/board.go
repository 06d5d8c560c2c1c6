// Package simhw is a drop-in replacement for the radio board that requires
// no hardware: a register file, a memory bus holding the staging and bulk
// memories, a DMA unit, and a radio model that fills RX staging, plays TX
// staging, moves the hardware cursors and raises interrupts.
package simhw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// IRQ is a set of pending interrupt lines.
type IRQ = regs.IRQ

// Interrupt lines.
const (
	IRQRx = regs.IRQRx
	IRQTx = regs.IRQTx
)

// Board is a simulated radio board.
type Board struct {
	Regs *regs.File
	Bus  *memory.Bus
	Unit *dma.SimUnit

	// StepBytes is how far each enabled direction moves per Step. Zero picks
	// a quarter of the chunk threshold when the board is attached.
	StepBytes uint32
	// Source generates RX sample words; nil uses Tone.
	Source func(ch int, sample uint64) uint32
	// OnTransmit, if set, sees every block of TX samples as it is played.
	OnTransmit func(ch int, words []byte)

	geo         *geometry.Map
	bulk        bool
	prevTx      regs.ChannelMask
	txActive    regs.ChannelMask
	rxSample    [regs.NumChannels]uint64
	transmitted [regs.NumChannels]uint64
	steps       uint64
	iq, rssi    []byte
}

// NewBoard returns a board with empty memory. It must be attached to a
// geometry before Step does anything.
func NewBoard(bulkPresent bool, dmaLatency int) *Board {
	bus := memory.NewBus()
	unit := dma.NewSimUnit(bus, dmaLatency)
	unit.MaxHistory = 64
	return &Board{
		Regs: regs.NewFile(),
		Bus:  bus,
		Unit: unit,
		bulk: bulkPresent,
	}
}

// Registers returns the board's register block.
func (b *Board) Registers() *regs.File { return b.Regs }

// Memory returns the bus holding the staging and bulk memories.
func (b *Board) Memory() *memory.Bus { return b.Bus }

// DMA returns the board's DMA unit.
func (b *Board) DMA() dma.Unit { return b.Unit }

// BulkPresent reports whether the board carries bulk memory.
func (b *Board) BulkPresent() bool { return b.bulk }

// Attach maps the memories geo needs onto the bus.
func (b *Board) Attach(geo *geometry.Map) error {
	if geo.BulkPresent() && !b.bulk {
		return fmt.Errorf("simhw: geometry expects bulk memory the board does not have")
	}
	for _, spec := range geo.Regions() {
		if _, err := b.Bus.Map(spec.Name, spec.Base, spec.Size); err != nil {
			return err
		}
	}
	if b.StepBytes == 0 {
		b.StepBytes = geo.Threshold() / 4
	}
	quantum := geo.Alignment() * geometry.RSSIRatio
	if b.StepBytes%quantum != 0 || geo.Threshold()%b.StepBytes != 0 {
		return fmt.Errorf("simhw: step of %d bytes must be a multiple of %d dividing the threshold %d",
			b.StepBytes, quantum, geo.Threshold())
	}
	b.geo = geo
	return nil
}

// Transmitted returns the number of samples channel ch has played.
func (b *Board) Transmitted(ch int) uint64 { return b.transmitted[ch] }

// Step advances the radio by one step and returns the interrupts raised.
func (b *Board) Step() IRQ {
	if b.geo == nil {
		return 0
	}
	b.steps++
	var irq IRQ
	rx, rxIRQ := b.stepRx()
	tx, txIRQ := b.stepTx()
	b.Regs.Hardware().SetRunning(rx, tx)
	if rxIRQ {
		irq |= IRQRx
	}
	if txIRQ {
		irq |= IRQTx
	}
	return irq
}

func (b *Board) stepRx() (regs.ChannelMask, bool) {
	hw := b.Regs.Hardware()
	enabled := hw.Control().RxEnabled() & b.geo.Wired()
	if enabled == 0 || hw.Status().Has(regs.RxOverflow) {
		return 0, false
	}

	read, write := hw.RxDrainCursors()
	_, total := hw.Lengths()
	staging := b.geo.StagingBytes()
	threshold := b.geo.Threshold()
	n := b.StepBytes
	rel := write % staging
	if write >= total || write-read+n > staging {
		// The drain fell behind; the next samples have nowhere to go.
		hw.SetStatus(regs.RxOverflow)
		return 0, true
	}
	if rel+n > staging {
		n = staging - rel
	}
	if write+n > total {
		n = total - write
	}

	for _, ch := range enabled.Channels() {
		iq, rssi := b.generate(ch, n)
		st, rs := b.geo.Staging(ch, geometry.RxIQ), b.geo.Staging(ch, geometry.RSSI)
		if err := b.Bus.WriteAt(iq, st.Base+memory.Addr(rel)); err != nil {
			panic(err)
		}
		if err := b.Bus.WriteAt(rssi, rs.Base+memory.Addr(rel/geometry.RSSIRatio)); err != nil {
			panic(err)
		}
		hw.AddRxSampleCount(ch, n/geometry.WordBytes)
		hw.SetRxPosition(ch, write+n)
	}
	next := write + n
	hw.SetRxDrainWrite(next)
	return enabled, next/threshold != write/threshold || next == total
}

// generate returns n bytes of IQ words for ch and the matching RSSI words:
// one per 8 IQ samples, holding the mean |I|+|Q| of the group.
func (b *Board) generate(ch int, n uint32) (iq, rssi []byte) {
	src := b.Source
	if src == nil {
		src = Tone
	}
	if uint32(cap(b.iq)) < n {
		b.iq = make([]byte, n)
		b.rssi = make([]byte, n/geometry.RSSIRatio)
	}
	iq, rssi = b.iq[:n], b.rssi[:n/geometry.RSSIRatio]
	var acc uint32
	for i := uint32(0); i < n/geometry.WordBytes; i++ {
		w := src(ch, b.rxSample[ch])
		b.rxSample[ch]++
		binary.BigEndian.PutUint32(iq[i*geometry.WordBytes:], w)
		acc += magnitude(w)
		if i%geometry.RSSIRatio == geometry.RSSIRatio-1 {
			binary.BigEndian.PutUint32(rssi[(i/geometry.RSSIRatio)*geometry.WordBytes:], acc/geometry.RSSIRatio)
			acc = 0
		}
	}
	return iq, rssi
}

func magnitude(w uint32) uint32 {
	i, q := int32(int16(w>>16)), int32(int16(w))
	if i < 0 {
		i = -i
	}
	if q < 0 {
		q = -q
	}
	return uint32(i + q)
}

func (b *Board) stepTx() (regs.ChannelMask, bool) {
	hw := b.Regs.Hardware()
	enabled := hw.Control().TxEnabled() & b.geo.Wired()
	started := enabled &^ b.prevTx
	b.prevTx = enabled
	b.txActive &= enabled
	status := hw.Status()
	if enabled == 0 || status.Has(regs.TxUnderflow) {
		b.txActive = 0
		return 0, false
	}
	if started != 0 {
		// A new pass waits for the refill of the whole staging buffer.
		b.txActive = enabled
		for _, ch := range enabled.Channels() {
			hw.SetTxPosition(ch, 0)
		}
		hw.SetStatus(regs.WriteDone)
		return b.txActive, true
	}
	// With bulk memory the refill acknowledges write-done; staging-only
	// boards leave it set for the host to clear.
	if b.txActive == 0 || (b.bulk && status.Has(regs.WriteDone)) {
		return b.txActive, false
	}

	txLength, _ := hw.Lengths()
	staging := b.geo.StagingBytes()
	threshold := b.geo.Threshold()
	chans := b.txActive.Channels()
	pos := hw.TxPosition(chans[0])
	n := b.StepBytes
	if pos+n > txLength {
		n = txLength - pos
	}
	if rel := pos % staging; rel+n > staging {
		n = staging - rel
	}
	staged := hw.TxRefillWrite()
	avail := staged - pos
	if staged < pos {
		avail = staged + txLength - pos
	}
	if n > avail {
		hw.SetStatus(regs.TxUnderflow)
		b.txActive = 0
		return 0, true
	}

	for _, ch := range chans {
		st := b.geo.Staging(ch, geometry.TxIQ)
		words, err := b.Bus.Slice(st.Base+memory.Addr(pos%staging), int(n))
		if err != nil {
			panic(err)
		}
		if b.OnTransmit != nil {
			b.OnTransmit(ch, words)
		}
		b.transmitted[ch] += uint64(n / geometry.WordBytes)
		hw.SetTxPosition(ch, pos+n)
	}
	next := pos + n
	irq := next/threshold != pos/threshold
	if next >= txLength {
		for _, ch := range chans {
			hw.SetTxPosition(ch, 0)
		}
		hw.SetStatus(regs.WriteDone)
		if !hw.Control().Continuous() {
			b.txActive = 0
		}
		irq = true
	}
	return b.txActive, irq
}

// Tone is the default RX source: a full-scale/4 complex tone on each
// channel, at (ch+1)/64 cycles per sample, I in the high half-word.
func Tone(ch int, sample uint64) uint32 {
	phase := 2 * math.Pi * float64(uint64(ch+1)*sample%64) / 64
	i := int16(8192 * math.Cos(phase))
	q := int16(8192 * math.Sin(phase))
	return uint32(uint16(i))<<16 | uint32(uint16(q))
}

type boardState struct {
	Steps       uint64
	TxActive    regs.ChannelMask
	RxSamples   [regs.NumChannels]uint64
	Transmitted [regs.NumChannels]uint64
	StepBytes   uint32
	Bulk        bool
	DMA         []dma.Descriptor
}

// Inspect returns a printable dump of the board and its registers.
func (b *Board) Inspect() string {
	history := b.Unit.History()
	if len(history) > 8 {
		history = history[len(history)-8:]
	}
	return b.Regs.Inspect() + spew.Sdump(boardState{
		Steps:       b.steps,
		TxActive:    b.txActive,
		RxSamples:   b.rxSample,
		Transmitted: b.transmitted,
		StepBytes:   b.StepBytes,
		Bulk:        b.bulk,
		DMA:         history,
	})
}

// Package regs models the IQ streaming register block of the baseband core.
//
// Every register is a 32-bit word accessed only through Reg32, whose Modify
// method is the single read-modify-write primitive for multi-field words.
// The File is never handed out directly. Callers receive one of four views,
// and the views decide who may write what:
//
//   - Hardware: the radio core itself (or a simulation of it). Owns the
//     running/error status bits, the per-channel positions and the RX drain
//     write cursor.
//   - Interrupt: the RX drain and TX refill handlers. The only software
//     writers of the drain and refill cursors.
//   - Request: the Read-IQ and Write-IQ handlers. Read-only.
//   - Control: boot code and configuration commands. Enables, lengths,
//     threshold, continuous-TX mode and the write-1-to-clear error register.
package regs

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
)

// NumChannels is the number of RF front-ends (A-D) the register block addresses.
const NumChannels = 4

// Register offsets, for documentation and Inspect output.
const (
	offControl      = 0x00 // Buffer enables and mode bits
	offStatus       = 0x04 // Running, write-done and error bits
	offErrorClear   = 0x08 // Write-1-to-clear for the status register
	offThreshold    = 0x0c // Chunk threshold (bytes) gating drain/refill interrupts
	offRxLength     = 0x10 // Configured RX buffer length (bytes)
	offTxLength     = 0x14 // Configured TX buffer length (bytes)
	offRxDrainRead  = 0x18 // RX drain read cursor (bytes)
	offRxDrainWrite = 0x1c // RX drain write cursor (bytes)
	offTxRefill     = 0x20 // TX refill write cursor (bytes)
	offTxPosition   = 0x40 // 4 words: TX read cursor per channel (bytes)
	offRxPosition   = 0x50 // 4 words: RX write cursor per channel (bytes)
	offRxCount      = 0x60 // 4 words: RX sample counter per channel
)

// Reg32 is one volatile 32-bit register.
type Reg32 struct {
	v atomic.Uint32
}

// Load reads the register.
func (r *Reg32) Load() uint32 { return r.v.Load() }

// Store writes the whole register.
func (r *Reg32) Store(v uint32) { r.v.Store(v) }

// Modify clears the bits in clear, then sets the bits in set, as one
// indivisible read-modify-write. It returns the new value.
func (r *Reg32) Modify(clear, set uint32) uint32 {
	for {
		old := r.v.Load()
		nv := (old &^ clear) | set
		if r.v.CompareAndSwap(old, nv) {
			return nv
		}
	}
}

// ChannelMask holds one bit per channel, bit 0 being channel A.
type ChannelMask uint8

// Channel selector bits.
const (
	ChanA ChannelMask = 1 << iota
	ChanB
	ChanC
	ChanD

	AllChannels = ChanA | ChanB | ChanC | ChanD
)

// Has reports whether channel ch (0-based) is in the mask.
func (m ChannelMask) Has(ch int) bool {
	return ch >= 0 && ch < NumChannels && m&(1<<uint(ch)) != 0
}

// Count returns the number of channels in the mask.
func (m ChannelMask) Count() int {
	return bits.OnesCount8(uint8(m & AllChannels))
}

// Single returns the channel index when exactly one channel is selected.
func (m ChannelMask) Single() (int, bool) {
	if m.Count() != 1 || m&^AllChannels != 0 {
		return 0, false
	}
	return bits.TrailingZeros8(uint8(m)), true
}

// Channels lists the selected channel indices in increasing order.
func (m ChannelMask) Channels() []int {
	var chans []int
	for ch := 0; ch < NumChannels; ch++ {
		if m.Has(ch) {
			chans = append(chans, ch)
		}
	}
	return chans
}

func (m ChannelMask) String() string {
	s := ""
	for ch := 0; ch < NumChannels; ch++ {
		if m.Has(ch) {
			s += string(rune('A' + ch))
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Status is the decoded status register.
type Status uint32

// Status register layout. Bits 0-3 report RX running per channel, bits 4-7 TX
// running per channel.
const (
	statusRxShift = 0
	statusTxShift = 4

	WriteDone    Status = 1 << 8  // TX consumed the whole configured buffer
	ContinuousTx Status = 1 << 9  // Mirror of the continuous-TX control bit
	RxOverflow   Status = 1 << 10 // RX staging overran the drain
	TxUnderflow  Status = 1 << 11 // TX staging ran dry before refill

	// ClearableBits are the bits honoured by the write-1-to-clear register.
	ClearableBits = WriteDone | RxOverflow | TxUnderflow
)

// RxRunning returns the channels whose RX is currently active.
func (s Status) RxRunning() ChannelMask { return ChannelMask(s>>statusRxShift) & AllChannels }

// TxRunning returns the channels whose TX is currently active.
func (s Status) TxRunning() ChannelMask { return ChannelMask(s>>statusTxShift) & AllChannels }

// Has reports whether all the given bits are set.
func (s Status) Has(b Status) bool { return s&b == b }

// Control register layout.
const (
	controlRxShift = 0
	controlTxShift = 4

	controlContinuous uint32 = 1 << 8
)

// IRQ is a set of pending interrupt lines.
type IRQ uint8

// Interrupt lines.
const (
	IRQRx IRQ = 1 << iota
	IRQTx
)

// Control is the decoded control register.
type Control uint32

// RxEnabled returns the channels whose RX buffer is enabled.
func (c Control) RxEnabled() ChannelMask { return ChannelMask(c>>controlRxShift) & AllChannels }

// TxEnabled returns the channels whose TX buffer is enabled.
func (c Control) TxEnabled() ChannelMask { return ChannelMask(c>>controlTxShift) & AllChannels }

// Continuous reports whether continuous-transmit mode is selected.
func (c Control) Continuous() bool { return uint32(c)&controlContinuous != 0 }

// File is the complete register block.
type File struct {
	control     Reg32
	status      Reg32
	threshold   Reg32
	rxLength    Reg32
	txLength    Reg32
	rxDrainRead Reg32
	rxDrainWrt  Reg32
	txRefill    Reg32
	txPosition  [NumChannels]Reg32
	rxPosition  [NumChannels]Reg32
	rxCount     [NumChannels]Reg32
}

// NewFile returns a register block in its reset state (all zero).
func NewFile() *File {
	return new(File)
}

// Hardware returns the view used by the radio core model.
func (f *File) Hardware() Hardware { return Hardware{f} }

// Interrupt returns the view used by interrupt handlers.
func (f *File) Interrupt() Interrupt { return Interrupt{f} }

// Request returns the read-only view used by protocol handlers.
func (f *File) Request() Request { return Request{f} }

// Control returns the view used by boot and configuration code.
func (f *File) Control() ControlView { return ControlView{f} }

// Snapshot is a coherent-enough copy of the register block, returned to hosts
// with not-ready replies so they can estimate a retry delay.
type Snapshot struct {
	Status       Status
	Control      Control
	Threshold    uint32
	TxLength     uint32
	RxLength     uint32
	RxDrainRead  uint32
	RxDrainWrite uint32
	TxRefill     uint32
	TxPosition   [NumChannels]uint32
	RxPosition   [NumChannels]uint32
}

func (f *File) snapshot() Snapshot {
	s := Snapshot{
		Status:       Status(f.status.Load()),
		Control:      Control(f.control.Load()),
		Threshold:    f.threshold.Load(),
		TxLength:     f.txLength.Load(),
		RxLength:     f.rxLength.Load(),
		RxDrainRead:  f.rxDrainRead.Load(),
		RxDrainWrite: f.rxDrainWrt.Load(),
		TxRefill:     f.txRefill.Load(),
	}
	for ch := 0; ch < NumChannels; ch++ {
		s.TxPosition[ch] = f.txPosition[ch].Load()
		s.RxPosition[ch] = f.rxPosition[ch].Load()
	}
	return s
}

// Inspect returns a printable dump of the register block.
func (f *File) Inspect() string {
	s := f.snapshot()
	return fmt.Sprintf("status=0x%08x (rx %v, tx %v) control=0x%08x threshold=0x%x (reg 0x%02x)\n%s",
		uint32(s.Status), s.Status.RxRunning(), s.Status.TxRunning(), uint32(s.Control),
		s.Threshold, offThreshold, spew.Sdump(s))
}

func channelReg(regs *[NumChannels]Reg32, ch int) *Reg32 {
	if ch < 0 || ch >= NumChannels {
		panic(fmt.Sprintf("regs: channel %d out of range", ch))
	}
	return &regs[ch]
}

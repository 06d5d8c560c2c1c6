package protocol

import (
	"encoding/binary"
	"log"

	"github.com/usnistgov/iqstream/checksum"
	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// Admission defaults.
const (
	// DefaultMaxActiveTx is how many TX channels may be playing while a large
	// write is admitted. It reflects DMA sharing on the reference platform
	// and is a tunable, not a law.
	DefaultMaxActiveTx = 2
	// DefaultSmallWriteSamples is the size below which a write is always
	// admitted: it fits one non-maximal frame and cannot conflict with the
	// chunked transfers.
	DefaultSmallWriteSamples = 350
)

// WriteReplyWords is the number of words following a Write-IQ reply header:
// the status word and the running checksum.
const WriteReplyWords = 2

// WriteStats counts Write-IQ activity.
type WriteStats struct {
	Requests uint64
	Admitted uint64
	NotReady uint64
	Errors   uint64
	Clamped  uint64
	Restaged uint64
	Samples  uint64 // per channel
}

// WriteEvent describes one completed Write-IQ request.
type WriteEvent struct {
	Header   SampleHeader
	Status   Status
	Checksum uint32
	Stored   uint32 // samples stored per channel after clamping
}

// Writer is the Write-IQ handler. It owns the process-wide checksum domain.
type Writer struct {
	geo    *geometry.Map
	regs   regs.Request
	bus    *memory.Bus
	engine *dma.Engine
	sum    checksum.Fletcher
	stats  WriteStats

	MaxActiveTx       int
	SmallWriteSamples uint32
	Logger            *log.Logger
	// Observe, if set, sees every request after it is handled.
	Observe func(WriteEvent)
}

// NewWriter returns a Write-IQ handler storing into the TX buffers of geo.
func NewWriter(geo *geometry.Map, r regs.Request, bus *memory.Bus, engine *dma.Engine) *Writer {
	return &Writer{
		geo:               geo,
		regs:              r,
		bus:               bus,
		engine:            engine,
		MaxActiveTx:       DefaultMaxActiveTx,
		SmallWriteSamples: DefaultSmallWriteSamples,
	}
}

func (w *Writer) logger() *log.Logger {
	if w.Logger == nil {
		return log.Default()
	}
	return w.Logger
}

// Checksum returns the running checksum without folding anything new in.
func (w *Writer) Checksum() uint32 { return w.sum.Sum() }

// Stats returns a copy of the activity counters.
func (w *Writer) Stats() WriteStats { return w.stats }

// Handle decodes a Write-IQ argument block, applies it and sends the reply:
// the echoed header with status flags, then the status word and checksum.
func (w *Writer) Handle(args []byte, out Sender) Result {
	h, payload, err := DecodeWrite(args)
	var status Status
	var sum uint32
	if err != nil {
		w.stats.Requests++
		w.stats.Errors++
		w.logger().Printf("protocol.Writer: %v", err)
		status, sum = StatusError, w.sum.Sum()
	} else {
		status, sum = w.Write(h, payload)
	}

	reply := h
	reply.Flags = status.flags()
	if err := out.Send(reply.Bytes(), AppendWords(nil, uint32(status), sum)); err != nil {
		w.logger().Printf("protocol.Writer: reply for %v: %v", h, err)
		return NoResponse
	}
	if status == StatusNotReady {
		return NotReady
	}
	return ResponseSent
}

// Write applies one Write-IQ packet whose sample words, in network byte
// order, are in payload. It returns the status and the running checksum.
// A refused packet changes neither memory nor the checksum.
func (w *Writer) Write(h SampleHeader, payload []byte) (Status, uint32) {
	w.stats.Requests++
	status, stored := w.write(h, payload)
	switch status {
	case StatusOK:
		w.stats.Admitted++
		w.stats.Samples += uint64(stored)
	case StatusNotReady:
		w.stats.NotReady++
	default:
		w.stats.Errors++
	}
	sum := w.sum.Sum()
	if w.Observe != nil {
		w.Observe(WriteEvent{Header: h, Status: status, Checksum: sum, Stored: stored})
	}
	return status, sum
}

func (w *Writer) write(h SampleHeader, payload []byte) (Status, uint32) {
	mask := h.Selector.Mask()
	if !h.Selector.Valid() || mask&^w.geo.Wired() != 0 {
		w.logger().Printf("protocol.Writer: selector 0x%04x names unwired channels (wired %v)",
			uint16(h.Selector), w.geo.Wired())
		return StatusError, 0
	}
	if len(payload) != int(h.Count)*WordBytes {
		w.logger().Printf("protocol.Writer: %v carries %d payload bytes", h, len(payload))
		return StatusError, 0
	}
	if status := w.admit(mask, h.Start, h.Count); status != StatusOK {
		return status, 0
	}

	reset := h.Flags.Has(FlagChecksumReset)
	if h.Count > 0 {
		last := binary.BigEndian.Uint32(payload[len(payload)-WordBytes:])
		w.sum.Packet(h.Start, last, reset)
	} else if reset {
		w.sum.Reset()
	}

	var stored uint32
	for _, ch := range mask.Channels() {
		stored = w.store(ch, h.Start, payload)
	}
	if h.Flags.Has(FlagLastWrite) {
		w.restage()
	}
	return StatusOK, stored
}

// admit runs the admission checks against freshly read hardware state.
func (w *Writer) admit(mask regs.ChannelMask, start, count uint32) Status {
	if count < w.SmallWriteSamples {
		return StatusOK
	}
	status := w.regs.Status()
	if rx := status.RxRunning(); rx != 0 {
		return StatusNotReady
	}
	if status.TxRunning().Count() > w.MaxActiveTx {
		return StatusNotReady
	}

	running := status.TxRunning() & mask
	if running == 0 {
		return StatusOK
	}
	txLength, _ := w.regs.Lengths()
	threshold := w.regs.Threshold()
	continuous := w.regs.Control().Continuous()
	for _, ch := range running.Channels() {
		pos := w.regs.TxPosition(ch)
		if !nearCursor(uint64(start)*WordBytes, uint64(count)*WordBytes, pos, threshold, txLength) {
			continue
		}
		if continuous {
			w.logger().Printf("protocol.Writer: write of %d samples at %d collides with channel %c cursor 0x%x in continuous mode",
				count, start, 'A'+ch, pos)
			return StatusError
		}
		return StatusNotReady
	}
	return StatusOK
}

// nearCursor reports whether the n bytes at offset off intersect the guard
// band of one threshold either side of cursor, on a ring of length bytes.
func nearCursor(off, n uint64, cursor, threshold, length uint32) bool {
	if length == 0 {
		return false
	}
	l := uint64(length)
	guard := 2 * uint64(threshold)
	if n >= l || guard >= l {
		return true
	}
	a := off % l
	g := (uint64(cursor)%l + l - uint64(threshold)%l) % l
	return (g+l-a)%l < n || (a+l-g)%l < guard
}

// store copies payload into the TX bulk buffer of ch at the start sample,
// clamping at the end of the buffer. It returns the samples stored.
func (w *Writer) store(ch int, start uint32, payload []byte) uint32 {
	buf := w.geo.Buffer(ch, geometry.TxIQ)
	off := uint64(start) * WordBytes
	n := uint64(len(payload))
	if off+n > uint64(buf.Capacity) {
		w.stats.Clamped++
		if off >= uint64(buf.Capacity) {
			w.logger().Printf("protocol.Writer: channel %c start sample %d beyond TX capacity %d, nothing stored",
				'A'+ch, start, buf.Words())
			return 0
		}
		n = uint64(buf.Capacity) - off
		w.logger().Printf("protocol.Writer: channel %c write clamped to %d of %d samples",
			'A'+ch, n/WordBytes, len(payload)/WordBytes)
	}
	if err := w.bus.WriteAt(payload[:n], buf.Base+memory.Addr(off)); err != nil {
		w.logger().Printf("protocol.Writer: channel %c: %v", 'A'+ch, err)
		return 0
	}
	return uint32(n / WordBytes)
}

// restage copies the head of every idle TX bulk buffer into staging so a
// channel armed later starts playing valid data.
func (w *Writer) restage() {
	if !w.geo.BulkPresent() {
		return
	}
	idle := w.geo.Wired() &^ w.regs.Status().TxRunning()
	txLength, _ := w.regs.Lengths()
	for _, ch := range idle.Channels() {
		st, bulk := w.geo.Staging(ch, geometry.TxIQ), w.geo.Buffer(ch, geometry.TxIQ)
		n := st.Capacity
		if txLength < n {
			n = txLength
		}
		w.engine.Transfer(bulk.Base, st.Base, n)
		w.stats.Restaged++
	}
}

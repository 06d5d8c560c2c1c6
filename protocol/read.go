package protocol

import (
	"fmt"
	"log"

	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// DefaultHeaderPool is the number of header buffers a Reader rotates through.
const DefaultHeaderPool = 4

// DefaultMaxPacketSamples is the largest sample count that fits one UDP
// datagram after the header.
const DefaultMaxPacketSamples = (65507 - HeaderBytes) / WordBytes

// ReadRequestWords is the number of argument words of a Read-IQ request.
const ReadRequestWords = 5

// ReadRequest asks for Total samples from Start, sent as at most Packets
// packets of at most MaxPerPacket samples each. Zero MaxPerPacket means one
// packet; zero Packets means as many as Total needs.
type ReadRequest struct {
	Selector     Selector
	Start        uint32
	Total        uint32
	MaxPerPacket uint32
	Packets      uint32
}

// DecodeRead decodes the argument words of a Read-IQ or Read-RSSI request.
func DecodeRead(args []byte) (ReadRequest, error) {
	if len(args) < ReadRequestWords*WordBytes {
		return ReadRequest{}, fmt.Errorf("%w: read request of %d bytes, need %d",
			ErrShortPayload, len(args), ReadRequestWords*WordBytes)
	}
	w := Words(args[:ReadRequestWords*WordBytes])
	return ReadRequest{
		Selector:     Selector(w[0]),
		Start:        w[1],
		Total:        w[2],
		MaxPerPacket: w[3],
		Packets:      w[4],
	}, nil
}

// Encode returns the argument words of r.
func (r ReadRequest) Encode() []byte {
	return AppendWords(nil, uint32(r.Selector), r.Start, r.Total, r.MaxPerPacket, r.Packets)
}

// ReadStats counts Read-IQ activity.
type ReadStats struct {
	Requests   uint64
	NotReady   uint64
	Errors     uint64
	Packets    uint64
	ZeroFilled uint64 // packets answered with zeros instead of memory
}

// Reader is the Read-IQ handler. It serves both the IQ and the RSSI buffers.
type Reader struct {
	geo   *geometry.Map
	regs  regs.Request
	bus   *memory.Bus
	pool  [][]byte
	next  int
	zeros []byte
	stats ReadStats

	// MaxPacketSamples caps the samples of one packet whatever the request
	// asks for. Zero means no cap.
	MaxPacketSamples uint32
	Logger           *log.Logger
}

// NewReader returns a Read-IQ handler rotating through poolSize header
// buffers. poolSize below 2 uses DefaultHeaderPool.
func NewReader(geo *geometry.Map, r regs.Request, bus *memory.Bus, poolSize int) *Reader {
	if poolSize < 2 {
		poolSize = DefaultHeaderPool
	}
	rd := &Reader{geo: geo, regs: r, bus: bus, pool: make([][]byte, poolSize),
		MaxPacketSamples: DefaultMaxPacketSamples}
	for i := range rd.pool {
		rd.pool[i] = make([]byte, HeaderBytes)
	}
	return rd
}

func (rd *Reader) logger() *log.Logger {
	if rd.Logger == nil {
		return log.Default()
	}
	return rd.Logger
}

// Stats returns a copy of the activity counters.
func (rd *Reader) Stats() ReadStats { return rd.stats }

// Handle decodes a request for buffer kind (RxIQ or RSSI) and serves it.
func (rd *Reader) Handle(kind geometry.Kind, args []byte, out Sender) Result {
	req, err := DecodeRead(args)
	if err != nil {
		rd.stats.Requests++
		rd.stats.Errors++
		rd.logger().Printf("protocol.Reader: %v", err)
		return rd.reply(out, SampleHeader{Flags: FlagIQError}, nil)
	}
	return rd.Read(kind, req, out)
}

// Read serves req from the bulk buffer of kind. Sample indices are in words
// of that buffer, so RSSI indices run at 1/8 of the IQ rate.
func (rd *Reader) Read(kind geometry.Kind, req ReadRequest, out Sender) Result {
	rd.stats.Requests++
	ch, single := req.Selector.Mask().Single()
	if !req.Selector.Valid() || !single || (kind != geometry.RxIQ && kind != geometry.RSSI) {
		rd.stats.Errors++
		rd.logger().Printf("protocol.Reader: %v read needs exactly one channel, selector 0x%04x",
			kind, uint16(req.Selector))
		return rd.reply(out, SampleHeader{Selector: req.Selector, Flags: FlagIQError, Start: req.Start}, nil)
	}

	scale := uint64(1)
	if kind == geometry.RSSI {
		scale = geometry.RSSIRatio
	}
	end := uint64(req.Start) + uint64(req.Total)
	if rd.regs.Status().RxRunning().Has(ch) {
		cursor := uint64(rd.regs.RxPosition(ch)) / scale
		margin := uint64(rd.regs.Threshold()) / scale
		if end*WordBytes+margin > cursor {
			rd.stats.NotReady++
			h := SampleHeader{Selector: req.Selector, Flags: FlagNotReady, Start: req.Start}
			if r := rd.reply(out, h, EncodeSnapshot(rd.regs.Snapshot(), ch)); r != ResponseSent {
				return r
			}
			return NotReady
		}
	}

	tmpl := SampleHeader{Selector: req.Selector, StreamID: uint8(rd.regs.RxSampleCount(ch))}
	var encoded [HeaderBytes]byte
	tmpl.Put(encoded[:])
	if req.Total == 0 {
		return rd.reply(out, tmpl, nil)
	}

	per := req.MaxPerPacket
	if per == 0 || per > req.Total {
		per = req.Total
	}
	if rd.MaxPacketSamples > 0 && per > rd.MaxPacketSamples {
		per = rd.MaxPacketSamples
	}
	packets := req.Packets
	if packets == 0 {
		packets = (req.Total + per - 1) / per
	}

	buf := rd.geo.Buffer(ch, kind)
	sample := uint64(req.Start)
	for p := uint32(0); p < packets && sample < end; p++ {
		count := min(uint64(per), end-sample)
		hdr := rd.pool[rd.next]
		rd.next = (rd.next + 1) % len(rd.pool)
		copy(hdr, encoded[:])
		putRange(hdr, uint32(sample), uint32(count))

		body, err := rd.samples(buf, sample, count)
		if err != nil {
			rd.stats.ZeroFilled++
			rd.logger().Printf("protocol.Reader: channel %c %v: %v, sending zeros", 'A'+ch, kind, err)
			hdr[2] |= byte(FlagIQError)
		}
		if err := out.Send(hdr, body); err != nil {
			rd.logger().Printf("protocol.Reader: packet %d of %d: %v", p+1, packets, err)
			return NoResponse
		}
		rd.stats.Packets++
		sample += count
	}
	return ResponseSent
}

// samples returns count words from buf starting at word index first. Ranges
// outside the buffer yield zeros and an error; unmapped memory is never read.
func (rd *Reader) samples(buf geometry.Buffer, first, count uint64) ([]byte, error) {
	off, n := first*WordBytes, count*WordBytes
	if off+n <= uint64(buf.Capacity) {
		body, err := rd.bus.Slice(buf.Base+memory.Addr(off), int(n))
		if err == nil {
			return body, nil
		}
		return rd.zero(n), err
	}
	return rd.zero(n), fmt.Errorf("samples [%d, %d) outside buffer of %d", first, first+count, buf.Words())
}

func (rd *Reader) zero(n uint64) []byte {
	if uint64(cap(rd.zeros)) < n {
		rd.zeros = make([]byte, n)
	}
	return rd.zeros[:n]
}

func (rd *Reader) reply(out Sender, h SampleHeader, body []byte) Result {
	hdr := rd.pool[rd.next]
	rd.next = (rd.next + 1) % len(rd.pool)
	h.Put(hdr)
	if err := out.Send(hdr, body); err != nil {
		rd.logger().Printf("protocol.Reader: reply %v: %v", h, err)
		return NoResponse
	}
	return ResponseSent
}

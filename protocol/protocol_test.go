package protocol

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/iqstream/checksum"
	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

const (
	testThreshold = 0x800
	testLength    = 0x4000
)

type fixture struct {
	file   *regs.File
	geo    *geometry.Map
	bus    *memory.Bus
	unit   *dma.SimUnit
	writer *Writer
	reader *Reader
	logged bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{file: regs.NewFile(), bus: memory.NewBus()}
	p := geometry.Platform{
		Wired:        regs.ChanA | regs.ChanB,
		StagingBase:  0x1000_0000,
		StagingBytes: 0x1000,
		BulkBase:     0x8000_0000,
		BulkBytes:    1 << 20,
		Alignment:    16,
	}
	geo, err := geometry.Configure(p, true, testThreshold, fx.file.Control())
	if err != nil {
		t.Fatal(err)
	}
	fx.geo = geo
	for _, spec := range geo.Regions() {
		if _, err := fx.bus.Map(spec.Name, spec.Base, spec.Size); err != nil {
			t.Fatal(err)
		}
	}
	fx.unit = dma.NewSimUnit(fx.bus, 1)
	engine := dma.NewEngine(fx.unit, 16)
	logger := log.New(&fx.logged, "", 0)
	engine.Logger = logger
	fx.writer = NewWriter(geo, fx.file.Request(), fx.bus, engine)
	fx.writer.Logger = logger
	fx.reader = NewReader(geo, fx.file.Request(), fx.bus, 0)
	fx.reader.Logger = logger
	fx.file.Control().SetLengths(testLength, testLength)
	return fx
}

type packet struct {
	hdr  SampleHeader
	raw  []byte
	body []byte
}

type capture struct {
	packets []packet
	fail    error
}

func (c *capture) Send(header, body []byte) error {
	h, err := ReadHeader(bytes.NewReader(header))
	if err != nil {
		return err
	}
	c.packets = append(c.packets, packet{hdr: h, raw: header, body: append([]byte(nil), body...)})
	return c.fail
}

func writeArgs(h SampleHeader, words ...uint32) []byte {
	h.Count = uint32(len(words))
	return AppendWords(h.Bytes(), words...)
}

func ramp(n int) []uint32 {
	w := make([]uint32, n)
	for i := range w {
		w[i] = uint32(i)<<16 | uint32(n-i)
	}
	return w
}

func TestHeaderCodec(t *testing.T) {
	h := SampleHeader{Selector: 0x0005, Flags: FlagChecksumReset | FlagLastWrite, StreamID: 0x7e, Start: 0x01020304, Count: 2}
	b := h.Bytes()
	assert.Equal(t, []byte{0, 5, 0x30, 0x7e, 1, 2, 3, 4, 0, 0, 0, 2}, b)
	got, err := ReadHeader(bytes.NewReader(b))
	assert.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ReadHeader(bytes.NewReader(b[:7]))
	assert.Error(t, err)

	_, _, err = DecodeWrite(b)
	assert.ErrorIs(t, err, ErrShortPayload, "two samples promised, none present")
	_, _, err = DecodeWrite(b[:5])
	assert.ErrorIs(t, err, ErrShortPayload)

	hh, payload, err := DecodeWrite(append(b, 0, 0, 0, 9, 0, 0, 0, 8, 0xff))
	assert.NoError(t, err)
	assert.Equal(t, h, hh)
	assert.Equal(t, []uint32{9, 8}, Words(payload), "trailing bytes beyond Count are ignored")

	assert.True(t, Selector(0x3).Valid())
	assert.False(t, Selector(0).Valid())
	assert.False(t, Selector(0x10).Valid())
	assert.Equal(t, regs.ChanA|regs.ChanB, Selector(0x3).Mask())
}

// A four-sample write with reset and last-write flags, then read back.
func TestWriteReadRoundTrip(t *testing.T) {
	fx := newFixture(t)
	out := &capture{}
	args := writeArgs(SampleHeader{Selector: 1, Flags: FlagChecksumReset | FlagLastWrite, StreamID: 9}, 1, 2, 3, 4)
	assert.Equal(t, ResponseSent, fx.writer.Handle(args, out))

	if assert.Len(t, out.packets, 1) {
		reply := out.packets[0]
		assert.Equal(t, Flags(0), reply.hdr.Flags)
		assert.Equal(t, uint8(9), reply.hdr.StreamID)
		want := (&checksum.Fletcher{}).Packet(0, 4, true)
		assert.Equal(t, uint32(0x00040004), want)
		assert.Equal(t, []uint32{uint32(StatusOK), want}, Words(reply.body))
	}
	assert.Equal(t, uint32(0x00040004), fx.writer.Checksum())

	want := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4}
	got := make([]byte, 16)
	assert.NoError(t, fx.bus.ReadAt(got, fx.geo.Buffer(0, geometry.TxIQ).Base))
	assert.Equal(t, want, got, "bulk holds big-endian payload")

	// Last write restages every idle wired channel.
	assert.Len(t, fx.unit.History(), 2)
	assert.NoError(t, fx.bus.ReadAt(got, fx.geo.Staging(0, geometry.TxIQ).Base))
	assert.Equal(t, want, got, "staging holds the head of the bulk buffer")
	assert.Equal(t, uint64(2), fx.writer.Stats().Restaged)

	// The same bytes read back through the RX path once copied there.
	assert.NoError(t, fx.bus.WriteAt(want, fx.geo.Buffer(0, geometry.RxIQ).Base))
	out = &capture{}
	assert.Equal(t, ResponseSent, fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Total: 4}, out))
	if assert.Len(t, out.packets, 1) {
		assert.Equal(t, want, out.packets[0].body)
		assert.Equal(t, uint32(4), out.packets[0].hdr.Count)
	}
}

func TestChecksumReproducible(t *testing.T) {
	fx := newFixture(t)
	seq := func() uint32 {
		var sum uint32
		for i, start := range []uint32{0, 100, 200, 300} {
			var flags Flags
			if i == 0 {
				flags = FlagChecksumReset
			}
			words := ramp(100)
			st, s := fx.writer.Write(SampleHeader{Selector: 2, Flags: flags, Start: start, Count: 100},
				AppendWords(nil, words...))
			assert.Equal(t, StatusOK, st)
			sum = s
		}
		return sum
	}
	first := seq()
	assert.Equal(t, first, seq())

	var ref checksum.Fletcher
	for i, start := range []uint32{0, 100, 200, 300} {
		ref.Packet(start, ramp(100)[99], i == 0)
	}
	assert.Equal(t, ref.Sum(), first)
}

func TestWriteAdmission(t *testing.T) {
	fx := newFixture(t)
	hw := fx.file.Hardware()
	large := ramp(400) // above SmallWriteSamples
	write := func(start uint32, words []uint32) Status {
		st, _ := fx.writer.Write(SampleHeader{Selector: 1, Start: start, Count: uint32(len(words))},
			AppendWords(nil, words...))
		return st
	}

	hw.SetRunning(0, regs.ChanA)
	hw.SetTxPosition(0, 0x1000)
	before := fx.writer.Checksum()
	assert.Equal(t, StatusNotReady, write(0x1000/4-100, large), "write lands on bytes about to play")
	assert.Equal(t, before, fx.writer.Checksum(), "refused write leaves the checksum alone")
	got := make([]byte, 16)
	assert.NoError(t, fx.bus.ReadAt(got, fx.geo.Buffer(0, geometry.TxIQ).Base+0x1000-400))
	assert.Equal(t, make([]byte, 16), got, "refused write leaves memory alone")

	assert.Equal(t, StatusOK, write(0x3000/4, large), "well clear of the cursor")
	assert.Equal(t, StatusOK, write(0x1000/4, ramp(4)), "small writes are always admitted")

	// The guard band wraps with the TX length.
	hw.SetTxPosition(0, 0x100)
	assert.Equal(t, StatusNotReady, write(0x3c00/4, large))

	fx.file.Control().SetContinuous(true)
	assert.Equal(t, StatusError, write(0x3c00/4, large), "no retry window in continuous mode")
	assert.Contains(t, fx.logged.String(), "continuous mode")
	fx.file.Control().SetContinuous(false)

	// Cursor on another channel does not matter.
	hw.SetRunning(0, regs.ChanB)
	hw.SetTxPosition(1, 0x3c00)
	assert.Equal(t, StatusOK, write(0x3c00/4, large))

	hw.SetRunning(regs.ChanB, 0)
	assert.Equal(t, StatusNotReady, write(0x3000/4, large), "RX active")

	hw.SetRunning(0, regs.ChanB|regs.ChanC|regs.ChanD)
	assert.Equal(t, StatusNotReady, write(0x3000/4, large), "too many TX channels active")
	fx.writer.MaxActiveTx = 3
	assert.Equal(t, StatusOK, write(0x3000/4, large))

	s := fx.writer.Stats()
	assert.Equal(t, uint64(4), s.NotReady)
	assert.Equal(t, uint64(1), s.Errors)
}

func TestWriteErrors(t *testing.T) {
	fx := newFixture(t)
	out := &capture{}
	args := writeArgs(SampleHeader{Selector: 4}, 1, 2)
	assert.Equal(t, ResponseSent, fx.writer.Handle(args, out))
	assert.Equal(t, FlagIQError, out.packets[0].hdr.Flags, "channel C is not wired")
	assert.Equal(t, uint32(StatusError), Words(out.packets[0].body)[0])

	assert.Equal(t, ResponseSent, fx.writer.Handle(args[:HeaderBytes+3], out))
	assert.Equal(t, FlagIQError, out.packets[1].hdr.Flags)

	// A NotReady reply is still sent; the dispatch layer learns to expect a retry.
	fx.file.Hardware().SetRunning(regs.ChanA, 0)
	assert.Equal(t, NotReady, fx.writer.Handle(writeArgs(SampleHeader{Selector: 1}, ramp(400)...), out))
	assert.Equal(t, FlagNotReady, out.packets[2].hdr.Flags)

	out.fail = errors.New("link down")
	assert.Equal(t, NoResponse, fx.writer.Handle(writeArgs(SampleHeader{Selector: 1}, 1), out))
}

func TestWriteClamped(t *testing.T) {
	fx := newFixture(t)
	words := fx.geo.Buffer(0, geometry.TxIQ).Words()
	var events []WriteEvent
	fx.writer.Observe = func(e WriteEvent) { events = append(events, e) }

	st, _ := fx.writer.Write(SampleHeader{Selector: 3, Start: words - 2, Count: 4}, AppendWords(nil, 1, 2, 3, 4))
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, uint32(2), events[0].Stored)
	assert.Equal(t, uint64(2), fx.writer.Stats().Clamped, "one clamp per channel")
	assert.Contains(t, fx.logged.String(), "clamped")

	st, _ = fx.writer.Write(SampleHeader{Selector: 1, Start: words, Count: 1}, AppendWords(nil, 1))
	assert.Equal(t, StatusOK, st)
	assert.Zero(t, events[1].Stored)
}

func TestReadNotReady(t *testing.T) {
	fx := newFixture(t)
	hw := fx.file.Hardware()
	hw.SetRunning(regs.ChanA, regs.ChanB)
	hw.SetRxPosition(0, 0x1400)
	hw.SetTxPosition(0, 0x240)

	out := &capture{}
	r := fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Start: 0x1000 / 4, Total: 16}, out)
	assert.Equal(t, NotReady, r)
	if assert.Len(t, out.packets, 1) {
		p := out.packets[0]
		assert.Equal(t, FlagNotReady, p.hdr.Flags)
		status := fx.file.Request().Status()
		assert.Equal(t, []uint32{uint32(status), 0, testLength, testLength, 0x240, 0x1400}, Words(p.body))
	}

	// Comfortably behind the cursor.
	out = &capture{}
	r = fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Start: 0, Total: 16}, out)
	assert.Equal(t, ResponseSent, r)
	assert.Equal(t, Flags(0), out.packets[0].hdr.Flags)

	// RX idle on the channel: no cursor check.
	r = fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 2, Start: 0x1000 / 4, Total: 16}, out)
	assert.Equal(t, ResponseSent, r)
	assert.Equal(t, uint64(1), fx.reader.Stats().NotReady)
}

func TestReadPackets(t *testing.T) {
	fx := newFixture(t)
	fx.file.Hardware().AddRxSampleCount(1, 0x1234)
	buf := fx.geo.Buffer(1, geometry.RxIQ)
	assert.NoError(t, fx.bus.WriteAt(AppendWords(nil, ramp(20)...), buf.Base))

	out := &capture{}
	r := fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 2, Start: 2, Total: 10, MaxPerPacket: 4}, out)
	assert.Equal(t, ResponseSent, r)
	if assert.Len(t, out.packets, 3) {
		for i, want := range []struct{ start, count uint32 }{{2, 4}, {6, 4}, {10, 2}} {
			p := out.packets[i]
			assert.Equal(t, want.start, p.hdr.Start)
			assert.Equal(t, want.count, p.hdr.Count)
			assert.Equal(t, uint8(0x34), p.hdr.StreamID)
			assert.Equal(t, ramp(20)[want.start:want.start+want.count], Words(p.body))
		}
	}

	out = &capture{}
	fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 2, Total: 10, MaxPerPacket: 4, Packets: 2}, out)
	assert.Len(t, out.packets, 2, "packet count caps the reply")

	out = &capture{}
	fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 2, Total: 9, MaxPerPacket: 1}, out)
	assert.Len(t, out.packets, 9)
	assert.Same(t, &out.packets[0].raw[0], &out.packets[DefaultHeaderPool].raw[0], "headers rotate through the pool")
	assert.NotSame(t, &out.packets[0].raw[0], &out.packets[1].raw[0])
}

func TestReadOutOfRange(t *testing.T) {
	fx := newFixture(t)
	words := fx.geo.Buffer(0, geometry.RxIQ).Words()

	out := &capture{}
	fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Start: words - 2, Total: 4}, out)
	if assert.Len(t, out.packets, 1) {
		assert.True(t, out.packets[0].hdr.Flags.Has(FlagIQError))
		assert.Equal(t, make([]byte, 16), out.packets[0].body)
	}

	out = &capture{}
	fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 4, Total: 4}, out)
	assert.Equal(t, make([]byte, 16), out.packets[0].body, "unwired channel reads zeros")
	assert.Equal(t, uint64(2), fx.reader.Stats().ZeroFilled)
	assert.Contains(t, fx.logged.String(), "sending zeros")

	out = &capture{}
	assert.Equal(t, ResponseSent, fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 3, Total: 4}, out))
	assert.Equal(t, FlagIQError, out.packets[0].hdr.Flags, "reads take a single channel")
	assert.Empty(t, out.packets[0].body)

	assert.Equal(t, ResponseSent, fx.reader.Handle(geometry.RxIQ, []byte{0, 0, 0, 1}, out))
	assert.Equal(t, FlagIQError, out.packets[1].hdr.Flags)

	out.fail = errors.New("link down")
	assert.Equal(t, NoResponse, fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Total: 4}, out))
}

type counter struct {
	packets int
	samples uint64
	largest int
}

func (c *counter) Send(header, body []byte) error {
	c.packets++
	c.samples += uint64(len(body) / WordBytes)
	c.largest = max(c.largest, len(body))
	return nil
}

func TestReadPacketCap(t *testing.T) {
	fx := newFixture(t)
	fx.reader.MaxPacketSamples = 64

	out := &counter{}
	req := ReadRequest{Selector: 1, Start: 1 << 30, Total: 1 << 16}
	assert.Equal(t, ResponseSent, fx.reader.Read(geometry.RxIQ, req, out))
	assert.Equal(t, (1<<16)/64, out.packets)
	assert.Equal(t, uint64(1<<16), out.samples)
	assert.Equal(t, 64*WordBytes, out.largest)
	assert.LessOrEqual(t, cap(fx.reader.zeros), 64*WordBytes, "zero fill stays within one packet")
	assert.Equal(t, uint64(out.packets), fx.reader.Stats().ZeroFilled)

	fx.reader.MaxPacketSamples = 100
	words := ramp(250)
	buf := fx.geo.Buffer(0, geometry.RxIQ)
	assert.NoError(t, fx.bus.WriteAt(AppendWords(nil, words...), buf.Base))
	got := &capture{}
	assert.Equal(t, ResponseSent, fx.reader.Read(geometry.RxIQ, ReadRequest{Selector: 1, Total: 250}, got))
	if assert.Len(t, got.packets, 3) {
		assert.Equal(t, uint32(200), got.packets[2].hdr.Start)
		assert.Equal(t, uint32(50), got.packets[2].hdr.Count)
		assert.Equal(t, AppendWords(nil, words[200:]...), got.packets[2].body)
		assert.False(t, got.packets[0].hdr.Flags.Has(FlagIQError))
	}

	assert.Equal(t, uint32(DefaultMaxPacketSamples), NewReader(fx.geo, fx.file.Request(), fx.bus, 0).MaxPacketSamples)
}

func TestReadRSSI(t *testing.T) {
	fx := newFixture(t)
	buf := fx.geo.Buffer(0, geometry.RSSI)
	assert.NoError(t, fx.bus.WriteAt(AppendWords(nil, 7, 8, 9), buf.Base))
	hw := fx.file.Hardware()
	hw.SetRunning(regs.ChanA, 0)
	hw.SetRxPosition(0, 0x2000) // RSSI cursor 0x400, margin 0x100

	out := &capture{}
	req := ReadRequest{Selector: 1, Total: 3}
	assert.Equal(t, ResponseSent, fx.reader.Handle(geometry.RSSI, req.Encode(), out))
	assert.Equal(t, []uint32{7, 8, 9}, Words(out.packets[0].body))

	req.Start = 0x400/4 - 0x100/4
	assert.Equal(t, NotReady, fx.reader.Read(geometry.RSSI, req, out))
}

func TestNearCursor(t *testing.T) {
	// ring of 0x100, threshold 0x10, cursor 0x80: guard band [0x70, 0x90)
	assert.True(t, nearCursor(0x60, 0x20, 0x80, 0x10, 0x100))
	assert.False(t, nearCursor(0x40, 0x30, 0x80, 0x10, 0x100))
	assert.True(t, nearCursor(0x8f, 1, 0x80, 0x10, 0x100))
	assert.False(t, nearCursor(0x90, 0x60, 0x80, 0x10, 0x100))
	// guard band wraps: cursor 0x4 covers [0xf4, 0x14)
	assert.True(t, nearCursor(0xf8, 4, 0x4, 0x10, 0x100))
	assert.True(t, nearCursor(0x1f8, 4, 0x4, 0x10, 0x100), "offsets reduce modulo the ring")
	assert.False(t, nearCursor(0x20, 0x40, 0x4, 0x10, 0x100))
	assert.True(t, nearCursor(0, 0x100, 0x80, 0x10, 0x100), "whole ring")
	assert.False(t, nearCursor(0, 0x100, 0x80, 0x10, 0))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "NotReady", StatusNotReady.String())
	assert.Equal(t, "Status(7)", Status(7).String())
	assert.Equal(t, "ResponseSent", ResponseSent.String())
	assert.Equal(t, "Result(5)", Result(5).String())
}

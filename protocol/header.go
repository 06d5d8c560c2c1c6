// Package protocol implements the host-facing side of the IQ pipeline: the
// sample header carried by every Read-IQ and Write-IQ payload, and the two
// request handlers that check the live hardware cursors before touching
// bulk memory.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/usnistgov/iqstream/regs"
)

// HeaderBytes is the encoded size of a SampleHeader.
const HeaderBytes = 12

// WordBytes is the size of one IQ sample word on the wire.
const WordBytes = 4

// ErrShortPayload is returned when a request is shorter than its header says.
var ErrShortPayload = errors.New("protocol: short payload")

// Flags is the 1-byte flag field of a SampleHeader.
type Flags uint8

// Header flags. Checksum-reset and last-write are only meaningful on writes.
const (
	FlagIQError       Flags = 1 << 0
	FlagNotReady      Flags = 1 << 1
	FlagChecksumReset Flags = 1 << 4
	FlagLastWrite     Flags = 1 << 5
)

// Has reports whether every bit of b is set.
func (f Flags) Has(b Flags) bool { return f&b == b }

// Selector is the 2-byte buffer selector: one bit per channel.
type Selector uint16

// Mask returns the channels named by the selector. Bits above the last
// channel are reported by Valid, not silently dropped.
func (s Selector) Mask() regs.ChannelMask { return regs.ChannelMask(s) & regs.AllChannels }

// Valid reports whether s names at least one channel and nothing else.
func (s Selector) Valid() bool {
	return s != 0 && s&^Selector(regs.AllChannels) == 0
}

// SampleHeader precedes the sample words of every Read-IQ and Write-IQ
// payload. All fields are big-endian on the wire.
type SampleHeader struct {
	Selector Selector
	Flags    Flags
	StreamID uint8
	Start    uint32 // first sample index
	Count    uint32 // number of sample words that follow
}

func (h SampleHeader) String() string {
	return fmt.Sprintf("SampleHeader{sel=%v flags=0x%02x id=%d start=%d count=%d}",
		h.Selector.Mask(), uint8(h.Flags), h.StreamID, h.Start, h.Count)
}

// Put encodes h into the first HeaderBytes of b.
func (h SampleHeader) Put(b []byte) {
	_ = b[HeaderBytes-1]
	binary.BigEndian.PutUint16(b[0:], uint16(h.Selector))
	b[2] = byte(h.Flags)
	b[3] = h.StreamID
	binary.BigEndian.PutUint32(b[4:], h.Start)
	binary.BigEndian.PutUint32(b[8:], h.Count)
}

// Bytes returns a freshly allocated encoding of h.
func (h SampleHeader) Bytes() []byte {
	b := make([]byte, HeaderBytes)
	h.Put(b)
	return b
}

// putRange rewrites only the start and count fields of an encoded header.
func putRange(b []byte, start, count uint32) {
	binary.BigEndian.PutUint32(b[4:], start)
	binary.BigEndian.PutUint32(b[8:], count)
}

// ReadHeader reads a SampleHeader from data.
func ReadHeader(data io.Reader) (h SampleHeader, err error) {
	if err = binary.Read(data, binary.BigEndian, &h.Selector); err != nil {
		return h, err
	}
	if err = binary.Read(data, binary.BigEndian, &h.Flags); err != nil {
		return h, err
	}
	if err = binary.Read(data, binary.BigEndian, &h.StreamID); err != nil {
		return h, err
	}
	if err = binary.Read(data, binary.BigEndian, &h.Start); err != nil {
		return h, err
	}
	if err = binary.Read(data, binary.BigEndian, &h.Count); err != nil {
		return h, err
	}
	return h, nil
}

// DecodeWrite splits a Write-IQ argument block into its header and the
// sample words that follow, still in network byte order.
func DecodeWrite(args []byte) (SampleHeader, []byte, error) {
	if len(args) < HeaderBytes {
		return SampleHeader{}, nil, fmt.Errorf("%w: %d bytes, need a %d-byte header",
			ErrShortPayload, len(args), HeaderBytes)
	}
	h := SampleHeader{
		Selector: Selector(binary.BigEndian.Uint16(args[0:])),
		Flags:    Flags(args[2]),
		StreamID: args[3],
		Start:    binary.BigEndian.Uint32(args[4:]),
		Count:    binary.BigEndian.Uint32(args[8:]),
	}
	payload := args[HeaderBytes:]
	if want := uint64(h.Count) * WordBytes; uint64(len(payload)) < want {
		return h, nil, fmt.Errorf("%w: %d payload bytes for %d samples", ErrShortPayload, len(payload), h.Count)
	}
	return h, payload[:uint64(h.Count)*WordBytes], nil
}

// Words decodes big-endian argument words.
func Words(args []byte) []uint32 {
	w := make([]uint32, len(args)/WordBytes)
	for i := range w {
		w[i] = binary.BigEndian.Uint32(args[i*WordBytes:])
	}
	return w
}

// AppendWords appends big-endian encodings of words to b.
func AppendWords(b []byte, words ...uint32) []byte {
	for _, w := range words {
		b = binary.BigEndian.AppendUint32(b, w)
	}
	return b
}

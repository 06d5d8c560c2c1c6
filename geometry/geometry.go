// Package geometry sizes and places every per-channel staging and bulk
// buffer once at boot. The resulting Map is immutable and is shared by
// reference with every other component.
package geometry

import (
	"errors"
	"fmt"

	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/regs"
)

// Kind selects one of the three buffers a channel owns.
type Kind int

// Buffer kinds.
const (
	TxIQ Kind = iota
	RxIQ
	RSSI
	numKinds
)

func (k Kind) String() string {
	switch k {
	case TxIQ:
		return "TX-IQ"
	case RxIQ:
		return "RX-IQ"
	case RSSI:
		return "RSSI"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

const (
	// WordBytes is the size of one IQ sample word (16-bit I, 16-bit Q).
	WordBytes = 4

	// RSSIRatio is the size ratio between an RX IQ buffer and its RSSI buffer.
	RSSIRatio = 8

	// Bulk memory partition shares per channel. The RX region comes first, so
	// an over-read past its end lands in the same channel's TX region.
	rxShare    = 8
	txShare    = 7
	rssiShare  = 1
	shareTotal = rxShare + txShare + rssiShare
)

// ErrBadGeometry wraps every boot-time geometry failure.
var ErrBadGeometry = errors.New("geometry: invalid buffer geometry")

// Platform describes the memories of one board.
type Platform struct {
	Wired        regs.ChannelMask // channels physically connected to buffer memories
	StagingBase  memory.Addr
	StagingBytes uint32 // per channel, per IQ direction
	BulkBase     memory.Addr
	BulkBytes    uint64
	Alignment    uint32 // DMA alignment in bytes
}

// ReferencePlatform is the four-channel board with 32k-sample staging
// buffers and 1 GiB of bulk memory.
func ReferencePlatform() Platform {
	return Platform{
		Wired:        regs.AllChannels,
		StagingBase:  0x4000_0000,
		StagingBytes: 0x2_0000,
		BulkBase:     0xC000_0000,
		BulkBytes:    1 << 30,
		Alignment:    16,
	}
}

// stagingStride is the distance between two channels' staging blocks.
func (p Platform) stagingStride() memory.Addr {
	return 3 * memory.Addr(p.StagingBytes)
}

// Buffer is one placed buffer. A zero Capacity means the channel/kind
// combination is not supported.
type Buffer struct {
	Base     memory.Addr
	Capacity uint32 // bytes
}

// Words returns the capacity in 4-byte words.
func (b Buffer) Words() uint32 { return b.Capacity / WordBytes }

// RegionSpec names a block of memory the board must provide.
type RegionSpec struct {
	Name string
	Base memory.Addr
	Size int
}

// Map is the boot-time buffer geometry.
type Map struct {
	platform  Platform
	bulk      bool
	threshold uint32
	buffers   [regs.NumChannels][numKinds]Buffer
	staging   [regs.NumChannels][numKinds]Buffer
	supported [numKinds]uint32 // words
}

// Configure computes the geometry for platform p, choosing the bulk layout
// when bulkPresent and the staging-only fallback otherwise, then programs the
// chunk threshold and default lengths through ctl. Any error is fatal.
func Configure(p Platform, bulkPresent bool, threshold uint32, ctl regs.ControlView) (*Map, error) {
	if err := validate(p, bulkPresent, threshold); err != nil {
		return nil, err
	}
	m := &Map{platform: p, bulk: bulkPresent, threshold: threshold}
	s := p.StagingBytes

	for ch := 0; ch < regs.NumChannels; ch++ {
		if !p.Wired.Has(ch) {
			continue
		}
		base := p.StagingBase + memory.Addr(ch)*p.stagingStride()
		m.staging[ch][TxIQ] = Buffer{Base: base, Capacity: s}
		m.staging[ch][RxIQ] = Buffer{Base: base + memory.Addr(s), Capacity: s}
		m.staging[ch][RSSI] = Buffer{Base: base + 2*memory.Addr(s), Capacity: s / RSSIRatio}
	}

	if bulkPresent {
		unit := bulkUnit(p, threshold)
		for ch := 0; ch < regs.NumChannels; ch++ {
			if !p.Wired.Has(ch) {
				continue
			}
			base := p.BulkBase + memory.Addr(ch)*memory.Addr(shareTotal)*memory.Addr(unit)
			m.buffers[ch][RxIQ] = Buffer{Base: base, Capacity: rxShare * unit}
			m.buffers[ch][TxIQ] = Buffer{Base: base + rxShare*memory.Addr(unit), Capacity: txShare * unit}
			m.buffers[ch][RSSI] = Buffer{Base: base + (rxShare+txShare)*memory.Addr(unit), Capacity: rssiShare * unit}
		}
		m.supported[RxIQ] = rxShare * unit / WordBytes
		m.supported[TxIQ] = txShare * unit / WordBytes
		m.supported[RSSI] = rssiShare * unit / WordBytes
	} else {
		m.buffers = m.staging
		m.supported[RxIQ] = s / WordBytes
		m.supported[TxIQ] = s / WordBytes
		m.supported[RSSI] = s / RSSIRatio / WordBytes
	}

	ctl.SetThreshold(threshold)
	ctl.SetLengths(m.supported[TxIQ]*WordBytes, m.supported[RxIQ]*WordBytes)
	return m, nil
}

// bulkUnit returns the size of one partition share: a chunk-threshold
// multiple, small enough that every cursor fits a 32-bit register.
func bulkUnit(p Platform, threshold uint32) uint32 {
	perChannel := p.BulkBytes / regs.NumChannels
	unit := perChannel / shareTotal
	const maxUnit = (1<<32 - 1) / rxShare
	if unit > maxUnit {
		unit = maxUnit
	}
	unit -= unit % uint64(threshold)
	return uint32(unit)
}

func validate(p Platform, bulkPresent bool, threshold uint32) error {
	a, s := p.Alignment, p.StagingBytes
	// RSSI transfers are 1/8 of IQ transfers and must stay aligned too.
	quantum := a * RSSIRatio
	switch {
	case p.Wired == 0 || p.Wired&^regs.AllChannels != 0:
		return fmt.Errorf("%w: wired channel mask 0x%x", ErrBadGeometry, uint8(p.Wired))
	case a == 0 || a&(a-1) != 0:
		return fmt.Errorf("%w: alignment %d must be a power of 2", ErrBadGeometry, a)
	case s == 0 || s%quantum != 0:
		return fmt.Errorf("%w: staging size %d must be a positive multiple of %d", ErrBadGeometry, s, quantum)
	case uint64(p.StagingBase)%uint64(a) != 0:
		return fmt.Errorf("%w: staging base 0x%x not %d-byte aligned", ErrBadGeometry, p.StagingBase, a)
	case threshold == 0 || threshold%quantum != 0:
		return fmt.Errorf("%w: threshold %d must be a positive multiple of %d", ErrBadGeometry, threshold, quantum)
	case threshold*2 > s:
		return fmt.Errorf("%w: threshold %d must be at most 50%% of staging size %d", ErrBadGeometry, threshold, s)
	case s%threshold != 0:
		return fmt.Errorf("%w: staging size %d must be a multiple of threshold %d", ErrBadGeometry, s, threshold)
	}
	if !bulkPresent {
		return nil
	}
	switch {
	case uint64(p.BulkBase)%uint64(a) != 0:
		return fmt.Errorf("%w: bulk base 0x%x not %d-byte aligned", ErrBadGeometry, p.BulkBase, a)
	case uint64(bulkUnit(p, threshold))*rxShare < uint64(s):
		return fmt.Errorf("%w: bulk memory of %d bytes too small for %d-byte staging buffers",
			ErrBadGeometry, p.BulkBytes, s)
	}
	return nil
}

// Buffer returns the ring buffer of kind k for channel ch. Unwired channels
// return a zero Buffer.
func (m *Map) Buffer(ch int, k Kind) Buffer {
	if ch < 0 || ch >= regs.NumChannels || k < 0 || k >= numKinds {
		return Buffer{}
	}
	return m.buffers[ch][k]
}

// Staging returns the staging buffer of kind k for channel ch.
func (m *Map) Staging(ch int, k Kind) Buffer {
	if ch < 0 || ch >= regs.NumChannels || k < 0 || k >= numKinds {
		return Buffer{}
	}
	return m.staging[ch][k]
}

// BulkPresent reports whether the bulk-memory layout is in use.
func (m *Map) BulkPresent() bool { return m.bulk }

// Threshold returns the chunk threshold in bytes.
func (m *Map) Threshold() uint32 { return m.threshold }

// StagingBytes returns the per-channel IQ staging size in bytes.
func (m *Map) StagingBytes() uint32 { return m.platform.StagingBytes }

// Alignment returns the DMA alignment in bytes.
func (m *Map) Alignment() uint32 { return m.platform.Alignment }

// Wired returns the usable channels.
func (m *Map) Wired() regs.ChannelMask { return m.platform.Wired }

// SupportedLength returns the largest representable TX and RX lengths, in samples.
func (m *Map) SupportedLength() (tx, rx uint32) {
	return m.supported[TxIQ], m.supported[RxIQ]
}

// LengthBytes converts a requested length of kind k, in samples, to the byte
// value for the length register. The result is rounded up to a transfer
// quantum and clamped to the supported length; clamped reports a clamp.
func (m *Map) LengthBytes(k Kind, samples uint32) (bytes uint32, clamped bool) {
	if k < 0 || k >= numKinds {
		return 0, true
	}
	max := m.supported[k]
	if samples > max {
		samples, clamped = max, true
	}
	quantum := m.platform.Alignment * RSSIRatio
	bytes = samples * WordBytes
	if r := bytes % quantum; r != 0 {
		bytes += quantum - r
	}
	if bytes > max*WordBytes {
		bytes = max * WordBytes
	}
	return bytes, clamped
}

// Regions lists the memories the board must map for this geometry.
func (m *Map) Regions() []RegionSpec {
	var specs []RegionSpec
	for ch := 0; ch < regs.NumChannels; ch++ {
		if !m.platform.Wired.Has(ch) {
			continue
		}
		st := m.staging[ch][TxIQ]
		specs = append(specs, RegionSpec{
			Name: fmt.Sprintf("staging-%c", 'A'+ch),
			Base: st.Base,
			Size: int(m.platform.stagingStride()),
		})
	}
	if m.bulk {
		specs = append(specs, RegionSpec{Name: "bulk", Base: m.platform.BulkBase, Size: int(m.platform.BulkBytes)})
	}
	return specs
}

package geometry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/iqstream/regs"
)

// smallPlatform has 4 KiB staging buffers and 1 MiB of bulk memory.
func smallPlatform() Platform {
	return Platform{
		Wired:        regs.ChanA | regs.ChanB,
		StagingBase:  0x1000_0000,
		StagingBytes: 0x1000,
		BulkBase:     0x8000_0000,
		BulkBytes:    1 << 20,
		Alignment:    16,
	}
}

func TestConfigureBulk(t *testing.T) {
	f := regs.NewFile()
	m, err := Configure(smallPlatform(), true, 0x800, f.Control())
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, m.BulkPresent())
	assert.Equal(t, uint32(0x800), m.Threshold())
	assert.Equal(t, uint32(0x800), f.Control().Threshold(), "threshold register programmed")

	// 1 MiB / 4 channels / 16 shares = 16 KiB per share, already threshold aligned.
	const unit = 0x4000
	for _, ch := range []int{0, 1} {
		rx, tx, rssi := m.Buffer(ch, RxIQ), m.Buffer(ch, TxIQ), m.Buffer(ch, RSSI)
		assert.Equal(t, uint32(8*unit), rx.Capacity)
		assert.Equal(t, uint32(7*unit), tx.Capacity)
		assert.Equal(t, rx.Capacity/RSSIRatio, rssi.Capacity, "RSSI is 1/8 of RX IQ")
		assert.Zero(t, rx.Capacity%m.Threshold())
		assert.Equal(t, rx.Base+8*unit, tx.Base, "TX follows RX inside the channel")
		assert.Equal(t, tx.Base+7*unit, rssi.Base)
	}
	assert.Equal(t, m.Buffer(0, RxIQ).Base+16*unit, m.Buffer(1, RxIQ).Base)
	assert.Zero(t, m.Buffer(2, RxIQ).Capacity, "unwired channel has no buffer")
	assert.Zero(t, m.Buffer(5, RxIQ).Capacity)
	assert.Zero(t, m.Staging(3, TxIQ).Capacity)

	tx, rx := m.SupportedLength()
	assert.Equal(t, uint32(7*unit/4), tx)
	assert.Equal(t, uint32(8*unit/4), rx)
	txLen, rxLen := f.Control().Lengths()
	assert.Equal(t, tx*WordBytes, txLen)
	assert.Equal(t, rx*WordBytes, rxLen)

	regions := m.Regions()
	assert.Len(t, regions, 3)
	assert.Equal(t, "bulk", regions[2].Name)
}

func TestConfigureStagingOnly(t *testing.T) {
	f := regs.NewFile()
	m, err := Configure(smallPlatform(), false, 0x800, f.Control())
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, m.BulkPresent())
	for k := TxIQ; k < numKinds; k++ {
		assert.Equal(t, m.Staging(1, k), m.Buffer(1, k), "buffers degrade to staging for %v", k)
	}
	assert.Equal(t, uint32(0x1000), m.Buffer(0, RxIQ).Capacity)
	assert.Equal(t, uint32(0x200), m.Buffer(0, RSSI).Capacity)
	tx, rx := m.SupportedLength()
	assert.Equal(t, uint32(0x400), tx)
	assert.Equal(t, uint32(0x400), rx)
	assert.Len(t, m.Regions(), 2)
}

func TestConfigureErrors(t *testing.T) {
	f := regs.NewFile()
	good := smallPlatform()
	tests := []struct {
		name      string
		modify    func(p *Platform)
		bulk      bool
		threshold uint32
	}{
		{"no wired channels", func(p *Platform) { p.Wired = 0 }, true, 0x800},
		{"alignment not power of 2", func(p *Platform) { p.Alignment = 12 }, true, 0x800},
		{"staging not a quantum multiple", func(p *Platform) { p.StagingBytes = 0x1010 }, true, 0x800},
		{"threshold over half", func(p *Platform) {}, true, 0x1000},
		{"threshold misaligned", func(p *Platform) {}, true, 0x808},
		{"threshold zero", func(p *Platform) {}, false, 0},
		{"bulk too small", func(p *Platform) { p.BulkBytes = 0x4000 }, true, 0x800},
		{"bulk misaligned", func(p *Platform) { p.BulkBase = 0x8000_0004 }, true, 0x800},
	}
	for _, tc := range tests {
		p := good
		tc.modify(&p)
		_, err := Configure(p, tc.bulk, tc.threshold, f.Control())
		if !errors.Is(err, ErrBadGeometry) {
			t.Errorf("%s: Configure error = %v, want ErrBadGeometry", tc.name, err)
		}
	}
	// A tiny bulk memory is irrelevant when bulk memory is absent.
	p := good
	p.BulkBytes = 0
	if _, err := Configure(p, false, 0x800, f.Control()); err != nil {
		t.Errorf("staging-only Configure with no bulk memory fails: %v", err)
	}
}

func TestLengthBytes(t *testing.T) {
	f := regs.NewFile()
	m, err := Configure(smallPlatform(), true, 0x800, f.Control())
	if err != nil {
		t.Fatal(err)
	}
	_, rxMax := m.SupportedLength()

	b, clamped := m.LengthBytes(RxIQ, 32)
	assert.Equal(t, uint32(128), b)
	assert.False(t, clamped)

	b, clamped = m.LengthBytes(RxIQ, 33)
	assert.Equal(t, uint32(256), b, "rounded up to a 128-byte quantum")
	assert.False(t, clamped)

	b, clamped = m.LengthBytes(RxIQ, rxMax+1)
	assert.Equal(t, rxMax*WordBytes, b)
	assert.True(t, clamped)

	_, clamped = m.LengthBytes(Kind(7), 1)
	assert.True(t, clamped)
}

func TestReferencePlatform(t *testing.T) {
	f := regs.NewFile()
	m, err := Configure(ReferencePlatform(), true, 0x1_0000, f.Control())
	if err != nil {
		t.Fatal(err)
	}
	tx, rx := m.SupportedLength()
	assert.Equal(t, uint32(32<<20), rx, "128 MiB RX region holds 32M samples")
	assert.Equal(t, uint32(28<<20), tx)
	assert.Equal(t, uint32(16<<20), m.Buffer(3, RSSI).Capacity)
}

package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapOverlap(t *testing.T) {
	b := NewBus()
	if _, err := b.Map("staging", 0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Map("bulk", 0x8000, 0x8000); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Map("bad", 0x1800, 0x100); err == nil {
		t.Error("Map of overlapping region succeeds, should fail")
	}
	if _, err := b.Map("empty", 0x20000, 0); err == nil {
		t.Error("Map of empty region succeeds, should fail")
	}
	regions := b.Regions()
	assert.Len(t, regions, 2)
	assert.Equal(t, "staging", regions[0].Name)
	assert.Equal(t, Addr(0x2000), regions[0].End())
}

func TestReadWriteCopy(t *testing.T) {
	b := NewBus()
	b.Map("bulk", 0x8000, 0x100)
	b.Map("staging", 0x1000, 0x40)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	assert.NoError(t, b.WriteAt(payload, 0x1010))
	assert.NoError(t, b.Copy(0x80f8, 0x1010, 8))
	got := make([]byte, 8)
	assert.NoError(t, b.ReadAt(got, 0x80f8))
	assert.Equal(t, payload, got)

	// Accesses that run off the end of a region fail and change nothing.
	err := b.Copy(0x80fc, 0x1010, 8)
	assert.True(t, errors.Is(err, ErrUnmapped))
	assert.False(t, b.Contains(0x4000, 1))
	assert.True(t, b.Contains(0x8000, 0x100))
	assert.False(t, b.Contains(0x8000, 0x101))
	assert.NoError(t, b.ReadAt(got, 0x80f8))
	assert.Equal(t, payload, got)
	assert.NoError(t, b.Copy(0x8000, 0x1000, 0), "zero length copy is a no-op")
}

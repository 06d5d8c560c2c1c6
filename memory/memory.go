// Package memory provides the address space shared by the DMA unit, the
// streaming hardware and the protocol handlers: the small staging memory
// that the radio core reads and writes directly, and the bulk memory that
// holds the full sample rings.
package memory

import (
	"errors"
	"fmt"
	"sort"
)

// Addr is a physical bus address.
type Addr uint64

// ErrUnmapped is returned for an access that does not lie entirely inside one
// mapped region.
var ErrUnmapped = errors.New("memory: access outside mapped regions")

// Region is one contiguous block of memory on the bus.
type Region struct {
	Name string
	Base Addr
	data []byte
}

// Size returns the region length in bytes.
func (r *Region) Size() int { return len(r.data) }

// End returns the first address past the region.
func (r *Region) End() Addr { return r.Base + Addr(len(r.data)) }

func (r *Region) contains(addr Addr, n int) bool {
	return addr >= r.Base && addr+Addr(n) <= r.End() && addr+Addr(n) >= addr
}

// Bus routes byte accesses to the mapped regions.
type Bus struct {
	regions []*Region // sorted by Base, never overlapping
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return new(Bus)
}

// Map allocates a zeroed region of size bytes at base.
func (b *Bus) Map(name string, base Addr, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory.Map(%s): size %d must be positive", name, size)
	}
	r := &Region{Name: name, Base: base, data: make([]byte, size)}
	for _, other := range b.regions {
		if r.Base < other.End() && other.Base < r.End() {
			return nil, fmt.Errorf("memory.Map(%s): [0x%x,0x%x) overlaps %s [0x%x,0x%x)",
				name, r.Base, r.End(), other.Name, other.Base, other.End())
		}
	}
	b.regions = append(b.regions, r)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].Base < b.regions[j].Base })
	return r, nil
}

// Regions returns the mapped regions in address order.
func (b *Bus) Regions() []*Region {
	return b.regions
}

func (b *Bus) find(addr Addr, n int) *Region {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].End() > addr })
	if i < len(b.regions) && b.regions[i].contains(addr, n) {
		return b.regions[i]
	}
	return nil
}

// Contains reports whether [addr, addr+n) is readable and writable.
func (b *Bus) Contains(addr Addr, n int) bool {
	return b.find(addr, n) != nil
}

// Slice returns the live bytes backing [addr, addr+n). The slice aliases the
// memory; it is valid until the next access by another owner.
func (b *Bus) Slice(addr Addr, n int) ([]byte, error) {
	r := b.find(addr, n)
	if r == nil {
		return nil, fmt.Errorf("%w: [0x%x,0x%x)", ErrUnmapped, addr, addr+Addr(n))
	}
	off := int(addr - r.Base)
	return r.data[off : off+n : off+n], nil
}

// ReadAt copies len(p) bytes starting at addr into p.
func (b *Bus) ReadAt(p []byte, addr Addr) error {
	src, err := b.Slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// WriteAt copies p to the bus starting at addr.
func (b *Bus) WriteAt(p []byte, addr Addr) error {
	dst, err := b.Slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// Copy moves n bytes from src to dst. The ranges may be in different regions.
func (b *Bus) Copy(dst, src Addr, n uint32) error {
	if n == 0 {
		return nil
	}
	s, err := b.Slice(src, int(n))
	if err != nil {
		return err
	}
	d, err := b.Slice(dst, int(n))
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

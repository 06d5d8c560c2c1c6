// Package checksum implements the running Fletcher-style checksum that a
// host uses to verify a multi-packet Write-IQ sequence.
package checksum

const modulus = 65535

// Fletcher holds the two modular accumulators. The zero value is a freshly
// reset accumulator.
type Fletcher struct {
	lsb uint32
	msb uint32
}

// Update folds value into the checksum, zeroing both accumulators first when
// reset is set, and returns the new checksum.
func (f *Fletcher) Update(value uint16, reset bool) uint32 {
	if reset {
		f.Reset()
	}
	f.lsb = (f.lsb + uint32(value)) % modulus
	f.msb = (f.msb + f.lsb) % modulus
	return f.Sum()
}

// Sum returns (msb << 16) | lsb without changing the state.
func (f *Fletcher) Sum() uint32 {
	return f.msb<<16 | f.lsb
}

// Reset zeroes both accumulators.
func (f *Fletcher) Reset() {
	f.lsb, f.msb = 0, 0
}

// Fold reduces a 32-bit sample word to the 16-bit digest used for the last
// word of every Write-IQ packet: the XOR of its two halves.
func Fold(word uint32) uint16 {
	return uint16(word>>16) ^ uint16(word)
}

// Packet folds one Write-IQ packet into f: the low 16 bits of the start
// sample first, then the digest of the final sample word.
func (f *Fletcher) Packet(startSample uint32, lastWord uint32, reset bool) uint32 {
	f.Update(uint16(startSample), reset)
	return f.Update(Fold(lastWord), false)
}

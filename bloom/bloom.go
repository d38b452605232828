// Package bloom implements the fixed-rate approximate membership filter
// embedded in every SSTable footer. The bit array itself is backed by
// bits-and-blooms/bitset (the same bit-storage library FlashLogGo pulls in
// transitively through bloom/v3); the hashing scheme is this store's own
// double-hashing construction over a single xxh3-64 digest, since the
// on-disk format and collision behavior are pinned to that exact scheme
// rather than to bloom/v3's internal murmur-based one.
package bloom

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/zeebo/xxh3"
)

// Default tuning parameters; New and Unmarshal fall back to these when
// given a non-positive bitsPerKey or hash count.
const (
	DefaultBitsPerKey = 10
	DefaultHashCount  = 7

	// goldenRatio64 is the odd 64-bit multiplier used to spread the k
	// probe positions derived from a single xxh3 digest.
	goldenRatio64 = 0x9E3779B97F4A7C15
)

// Filter is a fixed-size bit array with k probe positions derived per key
// by double hashing. It never produces a false negative: may_contain on a
// key that was inserted always returns true.
type Filter struct {
	bits *bitset.BitSet
	m    uint64 // number of bits in the array
	k    uint64 // number of hash probes per key
}

// New builds an empty filter sized for numKeys keys at bitsPerKey bits per
// key (rounded up to a whole byte), using k probe positions per key. A
// numKeys of zero yields a zero-length bit array whose MayContain always
// reports false.
func New(numKeys int, bitsPerKey int, k int) *Filter {
	if numKeys < 0 {
		numKeys = 0
	}
	if bitsPerKey <= 0 {
		bitsPerKey = DefaultBitsPerKey
	}
	if k <= 0 {
		k = DefaultHashCount
	}

	m := roundUpToByte(uint64(numKeys) * uint64(bitsPerKey))

	f := &Filter{m: m, k: uint64(k)}
	if m > 0 {
		f.bits = bitset.New(uint(m))
	}
	return f
}

// NewDefault builds a filter using the spec's default density (10 bits per
// key) and hash count (7).
func NewDefault(numKeys int) *Filter {
	return New(numKeys, DefaultBitsPerKey, DefaultHashCount)
}

func roundUpToByte(bits uint64) uint64 {
	return (bits + 7) / 8 * 8
}

// Insert records key's membership.
func (f *Filter) Insert(key string) {
	if f.m == 0 {
		return
	}
	for _, pos := range f.positions(key) {
		f.bits.Set(uint(pos))
	}
}

// MayContain reports whether key might be present. False means key is
// definitely absent; true means key is present or this is a false positive.
func (f *Filter) MayContain(key string) bool {
	if f.m == 0 || f.bits == nil {
		return false
	}
	for _, pos := range f.positions(key) {
		if !f.bits.Test(uint(pos)) {
			return false
		}
	}
	return true
}

// positions derives the k bit indices for key from a single xxh3-64 hash by
// double hashing: h_i = (h + i) * goldenRatio64 mod m, for i in [0, k).
func (f *Filter) positions(key string) []uint64 {
	h := xxh3.HashString(key)
	out := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		out[i] = ((h + i) * goldenRatio64) % f.m
	}
	return out
}

// NumBits returns the size of the bit array in bits.
func (f *Filter) NumBits() uint64 { return f.m }

// NumHashes returns k, the number of probe positions per key.
func (f *Filter) NumHashes() uint64 { return f.k }

// Marshal packs the bit array into ceil(m/8) raw bytes, bit i living in
// byte i/8 at mask 1<<(i%8). This is the exact on-disk representation
// described by the SSTable footer's bloom_bits field.
func (f *Filter) Marshal() []byte {
	out := make([]byte, f.m/8)
	if f.bits == nil {
		return out
	}
	for i := uint64(0); i < f.m; i++ {
		if f.bits.Test(uint(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Unmarshal rebuilds a Filter from its raw packed bytes (as produced by
// Marshal) and the hash count it was built with.
func Unmarshal(raw []byte, k int) *Filter {
	if k <= 0 {
		k = DefaultHashCount
	}
	m := uint64(len(raw)) * 8
	f := &Filter{m: m, k: uint64(k)}
	if m == 0 {
		return f
	}
	f.bits = bitset.New(uint(m))
	for i := uint64(0); i < m; i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			f.bits.Set(uint(i))
		}
	}
	return f
}

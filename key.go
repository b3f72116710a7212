// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quadrable

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/crypto/blake2s"
)

// KeyLen is the size of a Key in bytes.
const KeyLen = 32

// maxIntegerKey is the largest value representable by the integer embedding.
const maxIntegerKey = math.MaxUint64 - 2

// Key is a fixed 32-byte value used both as a path through the trie and as
// a hash. All hashing in the store uses BLAKE2s-256; roots produced with a
// different hash function are not comparable.
type Key [KeyLen]byte

// HashKey returns the keyHash of a raw user key.
func HashKey(raw []byte) Key {
	return Key(blake2s.Sum256(raw))
}

// hashValue returns H(value).
func hashValue(val []byte) Key {
	return Key(blake2s.Sum256(val))
}

// KeyFromBytes interprets [b] as an existing 32-byte key.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeyLen {
		return Key{}, fmt.Errorf("incorrect size %d for existing key", len(b))
	}
	return Key(([KeyLen]byte)(b)), nil
}

// NullKey is the all-zero key. It doubles as the hash of an empty tree.
func NullKey() Key {
	return Key{}
}

// MaxKey is the all-ones key.
func MaxKey() Key {
	var k Key
	for i := range k {
		k[i] = 0xFF
	}
	return k
}

// KeyFromInteger embeds a non-negative integer into the key space so that
// small integers occupy short sparse paths near the root. The top 6 bits
// store the width of the value field minus one, the following bits store
// n minus the offset for that width, and the rest of the key is zero.
func KeyFromInteger(n uint64) (Key, error) {
	if n > maxIntegerKey {
		return Key{}, ErrIntRangeExceeded
	}

	nbits := uint64(63 - bits.LeadingZeros64(n+2))
	offset := (uint64(1) << nbits) - 2

	// Assemble a 128-bit word (hi, lo): the 6-bit header at the very top,
	// then the [nbits]-wide field immediately below it.
	var hi, lo uint64
	hi = (nbits - 1) << 58

	v := n - offset
	shift := 122 - nbits // bit position of the field within the 128-bit word
	if shift >= 64 {
		hi |= v << (shift - 64)
	} else {
		hi |= v >> (64 - shift)
		lo |= v << shift
	}

	var k Key
	binary.BigEndian.PutUint64(k[0:8], hi)
	k[8] = byte(lo >> 56)
	return k, nil
}

// ToInteger inverts KeyFromInteger.
func (k Key) ToInteger() (uint64, error) {
	for _, c := range k[16:] {
		if c != 0 {
			return 0, ErrNotIntegerKey
		}
	}

	hi := binary.BigEndian.Uint64(k[0:8])
	lo := uint64(k[8]) << 56

	nbits := hi >> 58

	// Drop the 6-bit header, then shift the field down to the bottom.
	hi = hi<<6 | lo>>58
	n := hi >> (63 - nbits)

	offset := (uint64(1) << (nbits + 1)) - 2
	return n + offset, nil
}

// Bit returns bit [n] of the key, most-significant-bit-first within each
// byte.
func (k Key) Bit(n int) bool {
	return k[n/8]&(128>>(n%8)) != 0
}

// SetBit sets bit [n] of the key to [v].
func (k *Key) SetBit(n int, v bool) {
	if v {
		k[n/8] |= 128 >> (n % 8)
	} else {
		k[n/8] &^= 128 >> (n % 8)
	}
}

// KeepPrefixBits zeroes all bits at positions >= [n].
func (k *Key) KeepPrefixBits(n int) {
	if n < 0 || n > 256 {
		panic("requested to zero out too many bits")
	}
	if n == 256 {
		return
	}

	k[n/8] &= byte(uint16(0xFF00) >> (n % 8))
	for i := n/8 + 1; i < KeyLen; i++ {
		k[i] = 0
	}
}

// Compare returns -1, 0, or 1 per bytes.Compare.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Less returns whether [k] sorts before [other].
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

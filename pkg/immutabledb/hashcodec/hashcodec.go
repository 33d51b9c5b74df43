// Package hashcodec provides the narrow hash interface pkg/immutabledb is
// generic over (spec §9 "Polymorphism over hash and block types"), plus a
// default Blake2b-256 implementation.
package hashcodec

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Codec serializes and deserializes a fixed-width block hash. Every hash a
// given Codec produces has the same length, reported by Size.
type Codec interface {
	// Size is the fixed byte width of every hash this codec produces.
	Size() int

	// Sum computes the hash of block.
	Sum(block []byte) []byte

	// Encode writes hash's bytes into dst, which must be at least Size()
	// bytes long.
	Encode(dst []byte, hash []byte) error

	// Decode reads a Size()-byte hash out of src.
	Decode(src []byte) ([]byte, error)
}

// Blake2b256 is the default Codec: 32-byte Blake2b hashes.
type Blake2b256 struct{}

const blake2b256Size = 32

// Size implements [Codec].
func (Blake2b256) Size() int { return blake2b256Size }

// Sum implements [Codec].
func (Blake2b256) Sum(block []byte) []byte {
	sum := blake2b.Sum256(block)
	return sum[:]
}

// Encode implements [Codec].
func (Blake2b256) Encode(dst []byte, hash []byte) error {
	if len(hash) != blake2b256Size {
		return fmt.Errorf("hashcodec: hash has %d bytes, want %d", len(hash), blake2b256Size)
	}
	if len(dst) < blake2b256Size {
		return fmt.Errorf("hashcodec: dst has %d bytes, want at least %d", len(dst), blake2b256Size)
	}
	copy(dst, hash)
	return nil
}

// Decode implements [Codec].
func (Blake2b256) Decode(src []byte) ([]byte, error) {
	if len(src) != blake2b256Size {
		return nil, fmt.Errorf("hashcodec: src has %d bytes, want %d", len(src), blake2b256Size)
	}
	out := make([]byte, blake2b256Size)
	copy(out, src)
	return out, nil
}

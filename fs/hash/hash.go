// Package hash provides the content fingerprint used as the identity of a
// chunk in the deduplication index.
package hash

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Size of a fingerprint in bytes. Fingerprints are 256-bit BLAKE3 digests.
const Size = 32

// Sum is the BLAKE3 digest of a chunk's content. It is the chunk's sole
// identity: equal sums mean equal bytes.
type Sum [Size]byte

// SumBytes fingerprints p.
func SumBytes(p []byte) Sum {
	return Sum(blake3.Sum256(p))
}

// String returns the digest as lower-case hex.
func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}

// FromHex parses a digest from lower-case hex as produced by String.
func FromHex(in string) (s Sum, err error) {
	b, err := hex.DecodeString(in)
	if err != nil {
		return s, err
	}
	if len(b) != Size {
		return s, fmt.Errorf("fingerprint must be %d bytes, got %d", Size, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// IsZero reports whether s is the zero digest. The zero value is never a
// valid fingerprint of stored content.
func (s Sum) IsZero() bool {
	return s == Sum{}
}

// Package krpc models the KRPC messages exchanged over UDP by the
// Mainline DHT (BEP 5), together with the compact node and peer encodings
// they carry.
package krpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// IDSize is the length in bytes of node IDs and infohashes.
const IDSize = 20

// ID is a 160-bit Kademlia identifier. Node IDs and infohashes share this
// representation; all comparisons are raw byte comparisons.
type ID [IDSize]byte

// RandomID draws a uniformly random ID.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("generating random id: %w", err)
	}
	return id, nil
}

// IDFromHex parses a 40-character hexadecimal ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("decoding hex id: %w", err)
	}
	if len(raw) != IDSize {
		return ID{}, fmt.Errorf("id must be %d bytes, got %d", IDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IDFromBytes copies a 20-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("id must be %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String renders the ID as lowercase hex. Presentation only.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR returns the Kademlia distance between two IDs.
func (id ID) XOR(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// BucketIndex returns the position of the highest set bit of the XOR
// distance between the two IDs, counting bit 159 as the most significant
// bit of byte 0. Equal IDs return -1.
func BucketIndex(a, b ID) int {
	for i := 0; i < IDSize; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return (IDSize-1-i)*8 + bits.Len8(x) - 1
		}
	}
	return -1
}

// Less reports whether a is numerically smaller than b, treating both as
// big-endian 160-bit integers. Used to order nodes by distance to a target.
func (id ID) Less(other ID) bool {
	for i := 0; i < IDSize; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether the ID is all zero bytes.
func (id ID) IsZero() bool {
	return id == ID{}
}

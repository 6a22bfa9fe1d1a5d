package broker

import (
	"bytes"

	"github.com/spaolacci/murmur3"
)

// ClientID is the opaque identifier a client chooses during CONNECT,
// carried alongside its 32-bit MurmurHash3 fingerprint.
//
// The source this broker is grounded on computes Eq/Ord from the hash
// and the raw id length, which disagree whenever two distinct ids of
// the same length happen to collide on their hash: PartialEq would
// call them equal-by-length-and-hash while PartialOrd, using the hash
// alone, could still order them apart, or vice versa for a same-hash
// different-length pair. A registry that binary-searches with Compare
// but equality-checks with Equal can then fail to find an id it just
// inserted. Compare here is the single source of truth for both
// ordering and equality: hash, then length, then raw bytes.
type ClientID struct {
	id   string
	hash uint32
}

// NewClientID computes the fingerprint for raw and returns a ClientID.
func NewClientID(raw string) ClientID {
	return ClientID{id: raw, hash: murmur3.Sum32([]byte(raw))}
}

// String returns the raw client-id string.
func (c ClientID) String() string { return c.id }

// Compare returns -1, 0 or 1 ordering c before, equal to, or after
// other. It is a total order: Compare(a, b) == 0 iff a.Equal(b).
func (c ClientID) Compare(other ClientID) int {
	if c.hash != other.hash {
		if c.hash < other.hash {
			return -1
		}
		return 1
	}
	if len(c.id) != len(other.id) {
		if len(c.id) < len(other.id) {
			return -1
		}
		return 1
	}
	return bytes.Compare([]byte(c.id), []byte(other.id))
}

// Equal reports whether c and other name the same client.
func (c ClientID) Equal(other ClientID) bool { return c.Compare(other) == 0 }

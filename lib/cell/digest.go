package cell

import (
	"encoding/binary"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"
)

// Digester seals and verifies the 4-byte digest of a plaintext relay
// payload. A payload that does not verify is treated as still encrypted for
// another hop, so a false positive makes a relay consume a cell that was
// meant to travel further.
type Digester interface {
	Seal(payload []byte)
	Verify(payload []byte) bool
}

// ZeroDigest is the placeholder digest: sealed payloads carry zero and only
// zero verifies.
type ZeroDigest struct{}

func (ZeroDigest) Seal(payload []byte) {
	binary.BigEndian.PutUint32(payload[1:5], 0)
}

func (ZeroDigest) Verify(payload []byte) bool {
	return binary.BigEndian.Uint32(payload[1:5]) == 0
}

// ChecksumDigest stores the first four bytes of BLAKE2b-256 over the payload
// computed with the digest field zeroed.
type ChecksumDigest struct{}

func (ChecksumDigest) Seal(payload []byte) {
	binary.BigEndian.PutUint32(payload[1:5], 0)
	sum := blake2b.Sum256(payload)
	copy(payload[1:5], sum[:4])
}

func (ChecksumDigest) Verify(payload []byte) bool {
	var got [4]byte
	copy(got[:], payload[1:5])
	scratch := make([]byte, len(payload))
	copy(scratch, payload)
	binary.BigEndian.PutUint32(scratch[1:5], 0)
	sum := blake2b.Sum256(scratch)
	return got == [4]byte(sum[:4])
}

// DigesterByName resolves the configured digest algorithm.
func DigesterByName(name string) (Digester, error) {
	switch strings.ToLower(name) {
	case "", "zero":
		return ZeroDigest{}, nil
	case "checksum", "blake2b":
		return ChecksumDigest{}, nil
	default:
		return nil, oops.Errorf("unknown digest %q", name)
	}
}

func digester(d Digester) Digester {
	if d == nil {
		return ZeroDigest{}
	}
	return d
}

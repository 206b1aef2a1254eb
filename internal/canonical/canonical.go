// Package canonical provides the deterministic serialization and hashing
// used by the vault ledger.
//
// Entry content is rendered as RFC 8785 (JCS) canonical JSON before it is
// hashed with SHA-256, so neither the key insertion order of a payload nor
// incidental whitespace can change an entry hash. A chain starts from
// Genesis, 32 zero bytes rendered as 64 hex zeros.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the byte length of a Digest.
const Size = sha256.Size

// ErrInvalidDigest is returned when a hex string does not decode to a Digest.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a 32-byte SHA-256 value. Its text form is 64 lowercase hex characters.
type Digest [Size]byte

// Genesis is the previous-hash value of the first entry in every chain.
var Genesis Digest

// GenesisHex is Genesis in its text form.
const GenesisHex = "0000000000000000000000000000000000000000000000000000000000000000"

// Sum returns the SHA-256 digest of data.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseDigest decodes a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != 2*Size {
		return d, fmt.Errorf("%w: length %d", ErrInvalidDigest, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return d, nil
}

// MustParseDigest is like ParseDigest but panics on error. Intended for tests
// and package-level constants.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the hex form of d.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d equals Genesis.
func (d Digest) IsZero() bool { return d == Genesis }

// Bytes returns a copy of d as a slice.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("%w: %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

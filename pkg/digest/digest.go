// Package digest names artifacts by the sha256 of their payload.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

const prefix = "sha256:"

// Digest is the canonical "sha256:<hex>" form of an artifact name. The zero
// value means "none".
type Digest string

// Of hashes data.
func Of(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(prefix + hex.EncodeToString(sum[:]))
}

// FromReader hashes everything read from r and returns the byte count.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return fromHash(h), n, nil
}

func fromHash(h hash.Hash) Digest {
	return Digest(prefix + hex.EncodeToString(h.Sum(nil)))
}

// Parse validates raw and returns it in canonical form. A bare 64 character
// hex string is accepted and prefixed.
func Parse(raw string) (Digest, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", errors.New("digest is required")
	}
	hexPart := strings.TrimPrefix(raw, prefix)
	if strings.Contains(hexPart, ":") {
		return "", fmt.Errorf("unsupported digest algorithm in %q", raw)
	}
	if len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("digest %q: want %d hex characters, got %d", raw, sha256.Size*2, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("digest %q: %w", raw, err)
	}
	return Digest(prefix + hexPart), nil
}

// MustParse is Parse for constants in tests and tooling.
func MustParse(raw string) Digest {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Digest) String() string { return string(d) }

// IsZero reports whether d names nothing.
func (d Digest) IsZero() bool { return d == "" }

// Hex returns the bare hex part, suitable as a file or object name.
func (d Digest) Hex() string { return strings.TrimPrefix(string(d), prefix) }

// Short is a log-friendly abbreviation.
func (d Digest) Short() string {
	h := d.Hex()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Verify reports whether data hashes to d.
func (d Digest) Verify(data []byte) bool { return Of(data) == d }

// Verifier accumulates written bytes and compares the final sum to a digest.
type Verifier struct {
	want Digest
	h    hash.Hash
	n    int64
}

func NewVerifier(want Digest) *Verifier {
	return &Verifier{want: want, h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, _ := v.h.Write(p)
	v.n += int64(n)
	return n, nil
}

// Written is the number of bytes seen so far.
func (v *Verifier) Written() int64 { return v.n }

// Sum returns the digest of everything written.
func (v *Verifier) Sum() Digest { return fromHash(v.h) }

// Verified reports whether the bytes written hash to the expected digest.
func (v *Verifier) Verified() bool { return v.Sum() == v.want }

package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// MinPepperBytes is the minimum pepper size accepted when a pepper is required.
const MinPepperBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher produces storage digests for refresh-token secrets.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	pepper []byte
}

// NewHasher builds a Hasher from a configured pepper.
// When require is true, a missing or short pepper is rejected instead of falling back to SHA-256.
func NewHasher(pepper string, require bool) (Hasher, error) {
	pepper = strings.TrimSpace(pepper)
	if pepper == "" {
		if require {
			return Hasher{}, ErrPepperMissing
		}
		return Hasher{}, nil
	}
	if require && len(pepper) < MinPepperBytes {
		return Hasher{}, ErrPepperTooShort
	}
	return Hasher{pepper: []byte(pepper)}, nil
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.pepper) > 0 }

// Hash returns the hex digest stored for (salt, secret).
func (h Hasher) Hash(salt, secret string) string {
	material := salt + secret
	if len(h.pepper) == 0 {
		return HashSHA256Hex(material)
	}
	return HashHMACSHA256Hex(material, h.pepper)
}

// Equal reports whether secret hashes to stored under salt. Comparison is constant time.
func (h Hasher) Equal(stored, salt, secret string) bool {
	got := h.Hash(salt, secret)
	if len(got) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}

// RandomString returns nBytes of crypto randomness encoded as unpadded base64url.
func RandomString(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Package secret provides one-way salted hashing of plain-text secrets.
//
// Hashes are bcrypt strings ($2a$<cost>$<salt><digest>), so the algorithm tag,
// cost and salt travel with the digest and verification needs nothing else.
package secret

import (
	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
)

// ErrSecretTooLong is returned by Hash for secrets bcrypt cannot represent.
var ErrSecretTooLong = errors.New("secret exceeds 72 bytes")

// MaxLength is the longest secret, in bytes, that Hash accepts.
const MaxLength = 72

// Hasher hashes and verifies secrets with bcrypt.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher using the given bcrypt cost. Out-of-range costs
// fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Cost reports the bcrypt cost used for new hashes.
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash returns a freshly salted hash of plain. Two calls with the same input
// produce different strings that both verify.
func (h *Hasher) Hash(plain string) (string, error) {
	if len(plain) > MaxLength {
		return "", ErrSecretTooLong
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt")
	}
	return string(out), nil
}

// Verify reports whether plain matches hashed. A malformed hash is a
// mismatch, not an error.
func (h *Hasher) Verify(plain, hashed string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync/atomic"

	"github.com/go-faster/errors"
)

// MinKeyLength is the shortest HMAC secret accepted, in bytes.
const MinKeyLength = 32

// ErrWeakKey is returned for signing secrets shorter than MinKeyLength.
var ErrWeakKey = errors.Errorf("signing key must be at least %d bytes", MinKeyLength)

// SigningKey is an HMAC secret plus the identifier stamped into the kid
// header of every token it signs.
type SigningKey struct {
	ID     string
	Secret []byte
}

// NewSigningKey derives the key ID from the secret so the same secret always
// yields the same kid across restarts.
func NewSigningKey(secret []byte) (*SigningKey, error) {
	if len(secret) < MinKeyLength {
		return nil, ErrWeakKey
	}
	sum := sha256.Sum256(secret)
	return &SigningKey{
		ID:     hex.EncodeToString(sum[:8]),
		Secret: append([]byte(nil), secret...),
	}, nil
}

// GenerateSecret returns MinKeyLength random bytes.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, MinKeyLength)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	return b, nil
}

// EncodeSecret renders a secret in the form accepted by DecodeSecret.
func EncodeSecret(secret []byte) string {
	return base64.RawURLEncoding.EncodeToString(secret)
}

// DecodeSecret accepts a base64url (unpadded) secret and falls back to the
// raw string bytes when the value is not valid base64url.
func DecodeSecret(s string) []byte {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(b) >= MinKeyLength {
		return b
	}
	return []byte(s)
}

// KeyHolder owns the process-wide signing key. Verifications running during
// a Rotate observe either the old or the new key, never a mix.
type KeyHolder struct {
	current atomic.Pointer[SigningKey]
}

// NewKeyHolder returns a holder initialized with secret.
func NewKeyHolder(secret []byte) (*KeyHolder, error) {
	k, err := NewSigningKey(secret)
	if err != nil {
		return nil, err
	}
	h := &KeyHolder{}
	h.current.Store(k)
	return h, nil
}

// Current returns the active key.
func (h *KeyHolder) Current() *SigningKey {
	return h.current.Load()
}

// Rotate replaces the active key. Every token signed with the previous key
// stops verifying immediately.
func (h *KeyHolder) Rotate(secret []byte) (*SigningKey, error) {
	k, err := NewSigningKey(secret)
	if err != nil {
		return nil, err
	}
	h.current.Store(k)
	return k, nil
}

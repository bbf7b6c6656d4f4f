package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestHasher() *Hasher {
	return NewHasher(bcrypt.MinCost)
}

func TestHash_RoundTrip(t *testing.T) {
	h := newTestHasher()

	for _, s := range []string{"p@ss", "secret123", "", "unicode-пароль", strings.Repeat("x", MaxLength)} {
		hashed, err := h.Hash(s)
		require.NoError(t, err)
		assert.NotEqual(t, s, hashed)
		assert.True(t, h.Verify(s, hashed), "secret %q should verify", s)
	}
}

func TestHash_SaltIsUnique(t *testing.T) {
	h := newTestHasher()

	first, err := h.Hash("secret123")
	require.NoError(t, err)
	second, err := h.Hash("secret123")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, h.Verify("secret123", first))
	assert.True(t, h.Verify("secret123", second))
}

func TestHash_SelfDescribing(t *testing.T) {
	h := newTestHasher()

	hashed, err := h.Hash("secret123")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hashed, "$2a$04$"), "got %q", hashed)
}

func TestHash_TooLong(t *testing.T) {
	h := newTestHasher()

	_, err := h.Hash(strings.Repeat("x", MaxLength+1))
	require.ErrorIs(t, err, ErrSecretTooLong)
}

func TestVerify_Mismatch(t *testing.T) {
	h := newTestHasher()

	hashed, err := h.Hash("secret123")
	require.NoError(t, err)

	assert.False(t, h.Verify("secret124", hashed))
	assert.False(t, h.Verify("", hashed))
}

func TestVerify_MalformedHash(t *testing.T) {
	h := newTestHasher()

	for _, hashed := range []string{
		"",
		"plain-text",
		"$2a$04$short",
		"$9z$10$abcdefghijklmnopqrstuv",
		"$2a$99$abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz1",
	} {
		assert.NotPanics(t, func() {
			assert.False(t, h.Verify("secret123", hashed), "hash %q", hashed)
		})
	}
}

func TestNewHasher_CostBounds(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost())
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(bcrypt.MaxCost+1).Cost())
	assert.Equal(t, 12, NewHasher(12).Cost())
}

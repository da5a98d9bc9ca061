package password

import (
	"testing"

	"github.com/loomhub/identity-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher() *Hasher {
	// Low-cost parameters to keep the test fast.
	return NewHasher(config.SecurityConfig{
		Argon2Time:      1,
		Argon2Memory:    8 * 1024,
		Argon2Threads:   1,
		Argon2KeyLength: 32,
	})
}

func TestHashAndCompare(t *testing.T) {
	h := testHasher()

	hash, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, len(hash) > 0)

	assert.NoError(t, h.Compare(hash, "correct horse battery staple"))
	assert.ErrorIs(t, h.Compare(hash, "incorrect horse"), ErrMismatch)
}

func TestHashIsSalted(t *testing.T) {
	h := testHasher()

	first, err := h.Hash("same secret")
	require.NoError(t, err)
	second, err := h.Hash("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCompareRejectsMalformedHash(t *testing.T) {
	h := testHasher()

	for _, hash := range []string{"", "plaintext", "$argon2i$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA", "$argon2id$v=19$bogus"} {
		assert.ErrorIs(t, h.Compare(hash, "anything"), ErrInvalidHash)
	}
}

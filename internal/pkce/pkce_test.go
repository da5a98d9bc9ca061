package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vector from RFC 7636 Appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestComputeS256RFCVector(t *testing.T) {
	require.Equal(t, rfcChallenge, ComputeS256(rfcVerifier))
}

func TestVerifyS256(t *testing.T) {
	assert.True(t, Verify(rfcVerifier, rfcChallenge, MethodS256))

	// Any single character mutation of the verifier must fail.
	for i := 0; i < len(rfcVerifier); i++ {
		mutated := []byte(rfcVerifier)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		assert.False(t, Verify(string(mutated), rfcChallenge, MethodS256), "mutation at %d accepted", i)
	}
}

func TestVerifyPlain(t *testing.T) {
	assert.True(t, Verify(rfcVerifier, rfcVerifier, MethodPlain))
	assert.False(t, Verify(rfcVerifier, rfcChallenge, MethodPlain))
}

func TestVerifyUnknownMethod(t *testing.T) {
	assert.False(t, Verify(rfcVerifier, rfcChallenge, "S512"))
	assert.False(t, Verify(rfcVerifier, rfcChallenge, ""))
}

func TestValidVerifierFormat(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"rfc vector", rfcVerifier, true},
		{"min length", str('a', 43), true},
		{"max length", str('a', 128), true},
		{"too short", str('a', 42), false},
		{"too long", str('a', 129), false},
		{"unreserved punctuation", str('a', 40) + "-._", true},
		{"illegal character", str('a', 42) + "+", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidVerifierFormat(tt.verifier))
		})
	}
}

func TestValidChallengeFormat(t *testing.T) {
	assert.True(t, ValidChallengeFormat(rfcChallenge))
	assert.True(t, ValidChallengeFormat(ComputeS256("another-verifier-value")))
	assert.False(t, ValidChallengeFormat(rfcChallenge[:42]))
	assert.False(t, ValidChallengeFormat(rfcChallenge+"x"))
	assert.False(t, ValidChallengeFormat(str('=', 43)))
}

func str(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

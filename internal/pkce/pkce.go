// Package pkce implements RFC 7636 Proof Key for Code Exchange verification.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Challenge methods accepted by the authorization server. Only S256 is
// offered to external clients; "plain" exists for verification completeness.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

const (
	verifierMinLength = 43
	verifierMaxLength = 128

	// base64url(SHA-256(x)) without padding is always 43 characters.
	challengeLength = 43
)

// ComputeS256 derives the S256 code challenge for a verifier:
// base64url-no-pad(SHA-256(verifier)).
func ComputeS256(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks the verifier against a stored challenge using the given
// method. Comparisons are constant time.
func Verify(codeVerifier, codeChallenge, method string) bool {
	switch method {
	case MethodS256:
		computed := ComputeS256(codeVerifier)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(codeChallenge)) == 1
	default:
		return false
	}
}

// ValidVerifierFormat reports whether s satisfies the RFC 7636 code_verifier
// grammar: 43-128 characters of [A-Za-z0-9-._~].
func ValidVerifierFormat(s string) bool {
	if len(s) < verifierMinLength || len(s) > verifierMaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			return false
		}
	}
	return true
}

// ValidChallengeFormat reports whether s is a well-formed S256 challenge:
// exactly 43 characters of the base64url alphabet.
func ValidChallengeFormat(s string) bool {
	if len(s) != challengeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isAlphaNum(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	return isAlphaNum(c) || c == '-' || c == '.' || c == '_' || c == '~'
}

func isAlphaNum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

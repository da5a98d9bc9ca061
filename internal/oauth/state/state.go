// Package state signs and verifies the opaque state parameter used by the
// federated login flows. The state is an HS256 JWT so callbacks can be
// validated without server-side storage.
package state

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload carries the metadata round-tripped through the provider redirect.
type Payload struct {
	Provider string `json:"provider"`
	ReturnTo string `json:"return_to"`
	Nonce    string `json:"nonce"`
}

// Encode signs the payload using HS256.
func Encode(secret string, payload Payload, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("oauth state secret missing")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"provider":  payload.Provider,
		"return_to": payload.ReturnTo,
		"nonce":     payload.Nonce,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Decode verifies the signature and expiry and extracts the payload.
func Decode(secret string, token string) (*Payload, error) {
	if secret == "" {
		return nil, fmt.Errorf("oauth state secret missing")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("state token invalid")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("state claims invalid")
	}
	return &Payload{
		Provider: claimString(claims, "provider"),
		ReturnTo: claimString(claims, "return_to"),
		Nonce:    claimString(claims, "nonce"),
	}, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

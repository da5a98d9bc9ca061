package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/config"
)

// Kind discriminates the claim shapes this service signs. Tokens of one kind
// are never accepted where another kind is expected, even though all kinds
// share the signing key.
type Kind string

const (
	KindUserAccess   Kind = "user_access"
	KindApp          Kind = "app"
	KindOAuth2User   Kind = "oauth2_user"
	KindOAuth2Client Kind = "oauth2_client_credentials"
)

var (
	// ErrExpired indicates the token signature is valid but the token is past exp.
	ErrExpired = errors.New("token expired")
	// ErrInvalid indicates a malformed token, a bad signature, or a kind mismatch.
	ErrInvalid = errors.New("token invalid")
)

// AppAccess carries the per-application RBAC grant embedded in user tokens.
// It is produced by the external claim assembler and passed through opaquely.
type AppAccess struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Claims represents the JWT registered claims plus identity metadata.
type Claims struct {
	TokenType string               `json:"token_type"`
	SessionID string               `json:"sid,omitempty"`
	Email     string               `json:"email,omitempty"`
	Apps      map[string]AppAccess `json:"apps,omitempty"`
	Scope     []string             `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// UserTokenInput defines metadata for minting a user session token.
type UserTokenInput struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Email     string
	Apps      map[string]AppAccess
	Scopes    []string
}

// Service handles JWT minting and verification. Signing is always RS256 with
// the configured private key; symmetric signing is never used.
type Service struct {
	cfg        config.TokenConfig
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	parser     *jwt.Parser
}

// NewService loads signing material from disk and returns a token service.
func NewService(cfg config.TokenConfig) (*Service, error) {
	priv, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	return NewServiceWithKeys(cfg, priv, pub), nil
}

// NewServiceWithKeys constructs a token service from in-memory keys.
func NewServiceWithKeys(cfg config.TokenConfig, priv *rsa.PrivateKey, pub *rsa.PublicKey) *Service {
	return &Service{
		cfg:        cfg,
		privateKey: priv,
		publicKey:  pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		),
	}
}

// PublicKey exposes the verification key for the JWKS endpoint.
func (s *Service) PublicKey() *rsa.PublicKey {
	return s.publicKey
}

// MintUserAccessToken generates a signed JWT representing the authenticated user.
func (s *Service) MintUserAccessToken(input UserTokenInput) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.cfg.AccessTokenTTL)
	claims := &Claims{
		TokenType: string(KindUserAccess),
		SessionID: input.SessionID.String(),
		Email:     input.Email,
		Apps:      input.Apps,
		Scope:     input.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   input.UserID.String(),
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}
	return s.sign(claims, exp)
}

// MintAppToken generates a service-to-service token for an internal client.
func (s *Service) MintAppToken(appID string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.cfg.AppTokenTTL)
	claims := &Claims{
		TokenType: string(KindApp),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   appID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}
	return s.sign(claims, exp)
}

// MintOAuth2UserToken generates the access token issued by the authorization
// code grant: subject is the resource owner, audience the client.
func (s *Service) MintOAuth2UserToken(userID uuid.UUID, clientID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := &Claims{
		TokenType: string(KindOAuth2User),
		Scope:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}
	return s.sign(claims, exp)
}

// MintOAuth2ClientToken generates the access token issued by the client
// credentials grant. There is no subject: no user is involved.
func (s *Service) MintOAuth2ClientToken(clientID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := &Claims{
		TokenType: string(KindOAuth2Client),
		Scope:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}
	return s.sign(claims, exp)
}

// Verify validates signature and expiry, then checks the token_type
// discriminator against the expected kind.
func (s *Service) Verify(tokenString string, expected Kind) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalid
	}
	if claims.TokenType != string(expected) {
		return nil, fmt.Errorf("%w: kind mismatch", ErrInvalid)
	}
	return claims, nil
}

func (s *Service) sign(claims *Claims, exp time.Time) (string, time.Time, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// GenerateOpaqueToken returns a new high-entropy opaque token and its hashed
// value. Used for OAuth2 refresh tokens and authorization codes; only the
// hash is ever persisted.
func GenerateOpaqueToken() (plain string, hashed string, err error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("random opaque token: %w", err)
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	return plain, HashToken(plain), nil
}

// HashToken returns the hex SHA-256 digest used to persist opaque tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode private key pem: empty block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	pkcs8Key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err2 != nil {
		return nil, fmt.Errorf("parse private key: %v / %v", err, err2)
	}
	rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode public key pem: empty block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

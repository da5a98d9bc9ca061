package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/loomhub/identity-service/internal/config"
	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash indicates the stored hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid password hash")

// ErrMismatch indicates the supplied secret does not match the stored hash.
var ErrMismatch = errors.New("password mismatch")

const saltLength = 16

// DummyHash is a throwaway argon2id hash compared against when the account
// does not exist, so missing and present accounts take similar time to fail.
const DummyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$L9tOC6banzHsVf8noZ1b1G2fsYcXrUSqqOwXjFzxoWA"

// Hasher produces and verifies argon2id hashes. It is used for user
// passwords and for OAuth client secrets.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewHasher constructs a Hasher from security configuration.
func NewHasher(cfg config.SecurityConfig) *Hasher {
	return &Hasher{
		time:    cfg.Argon2Time,
		memory:  cfg.Argon2Memory,
		threads: cfg.Argon2Threads,
		keyLen:  cfg.Argon2KeyLength,
	}
}

// Hash creates a new argon2id hash for the supplied plain text secret.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.threads, h.keyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Compare verifies that the specified secret matches the stored hash using a
// constant-time comparison. The parameters embedded in the hash take
// precedence over the Hasher's configuration so old hashes keep verifying
// after a parameter change.
func (h *Hasher) Compare(hash string, secret string) error {
	memory, timeCost, threads, salt, key, err := decodeHash(hash)
	if err != nil {
		return err
	}

	computed := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(key)))
	if subtle.ConstantTimeCompare(computed, key) != 1 {
		return ErrMismatch
	}
	return nil
}

func decodeHash(hash string) (memory uint32, timeCost uint32, threads uint8, salt []byte, key []byte, err error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	return memory, timeCost, p, salt, key, nil
}

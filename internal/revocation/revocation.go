// Package revocation keeps a Redis denylist of access tokens revoked before
// their natural expiry. Entries are keyed by token hash and expire on their
// own once the token would have expired anyway, so the set stays small.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the Redis-backed denylist.
type Store struct {
	rdb       *redis.Client
	namespace string
}

// New creates a denylist store.
func New(rdb *redis.Client, namespace string) *Store {
	return &Store{rdb: rdb, namespace: namespace}
}

// Deny marks a token hash as revoked until the given time. A token already
// past expiry needs no entry.
func (s *Store) Deny(ctx context.Context, tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(tokenHash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("denylist token: %w", err)
	}
	return nil
}

// IsDenied reports whether the token hash is on the denylist.
func (s *Store) IsDenied(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return n > 0, nil
}

func (s *Store) key(tokenHash string) string {
	return fmt.Sprintf("%s:revoked:%s", s.namespace, tokenHash)
}

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// SessionStore persists password-login sessions.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Create(ctx context.Context, session *store.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token_hash, status, ip_address, user_agent, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.UserID, session.RefreshTokenHash, session.Status,
		session.IPAddress, session.UserAgent, session.ExpiresAt, session.CreatedAt,
	)
	return translateError(err, "insert session")
}

func (s *SessionStore) GetActiveByRefreshHash(ctx context.Context, refreshHash string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, refresh_token_hash, status, ip_address, user_agent, expires_at, created_at
		FROM sessions WHERE refresh_token_hash = $1 AND status = 'active'`, refreshHash)

	var session store.Session
	err := row.Scan(&session.ID, &session.UserID, &session.RefreshTokenHash, &session.Status,
		&session.IPAddress, &session.UserAgent, &session.ExpiresAt, &session.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan session")
	}
	return &session, nil
}

func (s *SessionStore) RotateRefreshHash(ctx context.Context, id uuid.UUID, newHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET refresh_token_hash = $2, expires_at = $3
		WHERE id = $1 AND status = 'active'`, id, newHash, expiresAt)
	if err != nil {
		return translateError(err, "rotate session refresh hash")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translateError(err, "rotate session refresh hash")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'revoked' WHERE id = $1`, id)
	return translateError(err, "revoke session")
}

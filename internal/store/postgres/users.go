package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// UserStore is the postgres-backed user directory.
type UserStore struct {
	db *sql.DB
}

func (s *UserStore) Create(ctx context.Context, user *store.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, status, profile, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.PasswordHash, user.Status, mustJSON(user.Profile), user.CreatedAt,
	)
	return translateError(err, "insert user")
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id)
	return scanUser(row)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE email = $1`, email)
	return scanUser(row)
}

func (s *UserStore) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return translateError(err, "update password hash")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translateError(err, "update password hash")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *UserStore) SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return translateError(err, "update last login")
}

const userSelect = `
	SELECT id, email, password_hash, status, profile, last_login_at, created_at FROM users`

func scanUser(row rowScanner) (*store.User, error) {
	var (
		user      store.User
		profile   []byte
		lastLogin sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Status, &profile, &lastLogin, &user.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan user")
	}
	user.Profile = unmarshalMap(profile)
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

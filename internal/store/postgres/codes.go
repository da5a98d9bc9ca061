package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// CodeStore persists authorization codes. Codes are stored by hash only.
type CodeStore struct {
	db *sql.DB
}

func (s *CodeStore) Create(ctx context.Context, code *store.AuthorizationCode) error {
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
			(id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.ID, code.CodeHash, code.ClientID, code.UserID, code.RedirectURI,
		mustJSON(code.Scopes), code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt, code.Used, code.CreatedAt,
	)
	return translateError(err, "insert authorization code")
}

func (s *CodeStore) GetActiveByHash(ctx context.Context, codeHash string) (*store.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, used, created_at
		FROM authorization_codes
		WHERE code_hash = $1 AND used = false AND expires_at > now()`, codeHash)

	var (
		code   store.AuthorizationCode
		scopes []byte
	)
	err := row.Scan(&code.ID, &code.CodeHash, &code.ClientID, &code.UserID, &code.RedirectURI,
		&scopes, &code.CodeChallenge, &code.CodeChallengeMethod, &code.ExpiresAt, &code.Used, &code.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan authorization code")
	}
	code.Scopes = unmarshalStrings(scopes)
	return &code, nil
}

// Consume marks the code used. The WHERE clause carries the used=false guard;
// a zero affected-row count means a concurrent exchange won the race.
func (s *CodeStore) Consume(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authorization_codes SET used = true WHERE id = $1 AND used = false`, id)
	if err != nil {
		return false, translateError(err, "consume authorization code")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, translateError(err, "consume authorization code")
	}
	return affected == 1, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, translateError(err, "delete expired codes")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, translateError(err, "delete expired codes")
	}
	return affected, nil
}

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// TokenStore persists issued OAuth2 tokens.
type TokenStore struct {
	db *sql.DB
}

func (s *TokenStore) Create(ctx context.Context, token *store.OAuthToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens
			(id, client_id, user_id, access_token_hash, refresh_token_hash, scopes, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		token.ID, token.ClientID, token.UserID, token.AccessTokenHash,
		nullString(token.RefreshTokenHash), mustJSON(token.Scopes), token.ExpiresAt,
		token.Revoked, token.CreatedAt,
	)
	return translateError(err, "insert oauth token")
}

func (s *TokenStore) GetByAccessHash(ctx context.Context, clientID uuid.UUID, accessHash string) (*store.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx, tokenSelect+` WHERE client_id = $1 AND access_token_hash = $2`,
		clientID, accessHash)
	return scanToken(row)
}

func (s *TokenStore) GetByRefreshHash(ctx context.Context, refreshHash string) (*store.OAuthToken, error) {
	// Revoked rows are returned on purpose: replay of a rotated refresh
	// token is the breach signal the engine acts on.
	row := s.db.QueryRowContext(ctx, tokenSelect+` WHERE refresh_token_hash = $1`, refreshHash)
	return scanToken(row)
}

// Revoke flips the revoked flag. The revoked=false guard makes rotation
// single-winner under concurrent refreshes of the same token.
func (s *TokenStore) Revoke(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET revoked = true WHERE id = $1 AND revoked = false`, id)
	if err != nil {
		return false, translateError(err, "revoke oauth token")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, translateError(err, "revoke oauth token")
	}
	return affected == 1, nil
}

func (s *TokenStore) RevokeAllForUserClient(ctx context.Context, userID, clientID uuid.UUID) ([]*store.OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE oauth_tokens SET revoked = true
		WHERE user_id = $1 AND client_id = $2 AND revoked = false
		RETURNING id, client_id, user_id, access_token_hash, refresh_token_hash, scopes, expires_at, revoked, created_at`,
		userID, clientID)
	if err != nil {
		return nil, translateError(err, "revoke tokens for user+client")
	}
	defer rows.Close() //nolint:errcheck

	var revoked []*store.OAuthToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, token)
	}
	return revoked, translateError(rows.Err(), "revoke tokens for user+client")
}

const tokenSelect = `
	SELECT id, client_id, user_id, access_token_hash, refresh_token_hash, scopes, expires_at, revoked, created_at
	FROM oauth_tokens`

func scanToken(row rowScanner) (*store.OAuthToken, error) {
	var (
		token       store.OAuthToken
		userID      sql.Null[uuid.UUID]
		refreshHash sql.NullString
		scopes      []byte
	)
	err := row.Scan(&token.ID, &token.ClientID, &userID, &token.AccessTokenHash,
		&refreshHash, &scopes, &token.ExpiresAt, &token.Revoked, &token.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan oauth token")
	}
	if userID.Valid {
		id := userID.V
		token.UserID = &id
	}
	token.RefreshTokenHash = refreshHash.String
	token.Scopes = unmarshalStrings(scopes)
	return &token, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

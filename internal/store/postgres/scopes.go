package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// ScopeStore persists registered scopes.
type ScopeStore struct {
	db *sql.DB
}

func (s *ScopeStore) Create(ctx context.Context, scope *store.Scope) error {
	if scope.ID == uuid.Nil {
		scope.ID = uuid.New()
	}
	if scope.CreatedAt.IsZero() {
		scope.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scopes (id, code, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		scope.ID, scope.Code, scope.Description, scope.IsActive, scope.CreatedAt,
	)
	return translateError(err, "insert scope")
}

func (s *ScopeStore) GetByCodes(ctx context.Context, codes []string) ([]*store.Scope, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, description, is_active, created_at
		FROM scopes WHERE code = ANY(SELECT jsonb_array_elements_text($1::jsonb))`,
		mustJSON(codes))
	if err != nil {
		return nil, translateError(err, "query scopes by code")
	}
	defer rows.Close() //nolint:errcheck

	var scopes []*store.Scope
	for rows.Next() {
		scope, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, translateError(rows.Err(), "query scopes by code")
}

func (s *ScopeStore) List(ctx context.Context) ([]*store.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, description, is_active, created_at FROM scopes ORDER BY code`)
	if err != nil {
		return nil, translateError(err, "list scopes")
	}
	defer rows.Close() //nolint:errcheck

	var scopes []*store.Scope
	for rows.Next() {
		scope, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, translateError(rows.Err(), "list scopes")
}

func (s *ScopeStore) Deactivate(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scopes SET is_active = false WHERE code = $1`, code)
	if err != nil {
		return translateError(err, "deactivate scope")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translateError(err, "deactivate scope")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanScope(row rowScanner) (*store.Scope, error) {
	var scope store.Scope
	err := row.Scan(&scope.ID, &scope.Code, &scope.Description, &scope.IsActive, &scope.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan scope")
	}
	return &scope, nil
}

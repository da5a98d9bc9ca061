// Package postgres implements the store contracts on PostgreSQL. All
// single-consumption transitions (code use, token revocation) are expressed
// as conditional UPDATEs whose affected-row count is returned to the caller.
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/loomhub/identity-service/internal/store"
)

// Stores bundles the postgres-backed implementations over one pool.
type Stores struct {
	Clients  *ClientStore
	Scopes   *ScopeStore
	Codes    *CodeStore
	Tokens   *TokenStore
	Consents *ConsentStore
	Users    *UserStore
	Sessions *SessionStore
	Audit    *AuditStore
}

// New constructs all stores over the shared database handle.
func New(db *sql.DB) *Stores {
	return &Stores{
		Clients:  &ClientStore{db: db},
		Scopes:   &ScopeStore{db: db},
		Codes:    &CodeStore{db: db},
		Tokens:   &TokenStore{db: db},
		Consents: &ConsentStore{db: db},
		Users:    &UserStore{db: db},
		Sessions: &SessionStore{db: db},
		Audit:    &AuditStore{db: db},
	}
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unmarshalable values, which the domain
		// records never contain.
		return []byte("null")
	}
	return data
}

func unmarshalStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

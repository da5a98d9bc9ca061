package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// ConsentStore persists the consent ledger.
type ConsentStore struct {
	db *sql.DB
}

func (s *ConsentStore) Get(ctx context.Context, userID, clientID uuid.UUID) (*store.Consent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, scopes, granted_at
		FROM consents WHERE user_id = $1 AND client_id = $2`, userID, clientID)

	var (
		consent store.Consent
		scopes  []byte
	)
	err := row.Scan(&consent.ID, &consent.UserID, &consent.ClientID, &scopes, &consent.GrantedAt)
	if err != nil {
		return nil, translateError(err, "scan consent")
	}
	consent.Scopes = unmarshalStrings(scopes)
	return &consent, nil
}

// Upsert replaces the scope set and timestamp on conflict; one row per
// (user, client) pair is an invariant of the consents table.
func (s *ConsentStore) Upsert(ctx context.Context, consent *store.Consent) error {
	if consent.ID == uuid.Nil {
		consent.ID = uuid.New()
	}
	if consent.GrantedAt.IsZero() {
		consent.GrantedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consents (id, user_id, client_id, scopes, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, client_id)
		DO UPDATE SET scopes = EXCLUDED.scopes, granted_at = EXCLUDED.granted_at`,
		consent.ID, consent.UserID, consent.ClientID, mustJSON(consent.Scopes), consent.GrantedAt,
	)
	return translateError(err, "upsert consent")
}

func (s *ConsentStore) Delete(ctx context.Context, userID, clientID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM consents WHERE user_id = $1 AND client_id = $2`, userID, clientID)
	return translateError(err, "delete consent")
}

// Package consent tracks which scopes a user has granted to a client and
// gates whether the authorization flow may skip the consent screen.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/store"
)

// Audit actions emitted by the ledger.
const (
	ActionGranted = "oauth2.consent.granted"
	ActionRevoked = "oauth2.consent.revoked"
)

// Ledger implements consent bookkeeping over the consent store.
type Ledger struct {
	consents store.ConsentStore
	auditor  *audit.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(consents store.ConsentStore, auditor *audit.Logger) *Ledger {
	return &Ledger{consents: consents, auditor: auditor}
}

// HasConsent reports whether every requested scope is covered by a previous
// grant from the user to the client.
func (l *Ledger) HasConsent(ctx context.Context, userID, clientID uuid.UUID, scopes []string) (bool, error) {
	record, err := l.consents.Get(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load consent: %w", err)
	}

	granted := make(map[string]struct{}, len(record.Scopes))
	for _, s := range record.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := granted[s]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// RequiresConsent reports whether the authorization flow must collect
// explicit user consent before issuing a code. Internal clients never do.
func (l *Ledger) RequiresConsent(ctx context.Context, client *store.Client, userID uuid.UUID, scopes []string) (bool, error) {
	if client.IsInternal {
		return false, nil
	}
	has, err := l.HasConsent(ctx, userID, client.ID, scopes)
	if err != nil {
		return false, err
	}
	return !has, nil
}

// Grant records the user's consent. Re-granting replaces the stored scope
// set rather than unioning with it, so a narrowed grant narrows access.
func (l *Ledger) Grant(ctx context.Context, userID, clientID uuid.UUID, scopes []string) (*store.Consent, error) {
	record := &store.Consent{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now().UTC(),
	}
	if err := l.consents.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("upsert consent: %w", err)
	}

	l.auditor.Record(ctx, audit.Entry{
		UserID:     &userID,
		Action:     ActionGranted,
		Resource:   "consent",
		ResourceID: clientID.String(),
		Context:    map[string]any{"scopes": scopes},
	})
	return record, nil
}

// Revoke removes the consent record. Token revocation for the pair is the
// engine's responsibility and is triggered by its RevokeConsent operation.
func (l *Ledger) Revoke(ctx context.Context, userID, clientID uuid.UUID) error {
	if err := l.consents.Delete(ctx, userID, clientID); err != nil {
		return fmt.Errorf("delete consent: %w", err)
	}
	l.auditor.Record(ctx, audit.Entry{
		UserID:     &userID,
		Action:     ActionRevoked,
		Resource:   "consent",
		ResourceID: clientID.String(),
	})
	return nil
}

package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memConsents struct {
	mu   sync.Mutex
	rows map[[2]uuid.UUID]*store.Consent
}

func newMemConsents() *memConsents { return &memConsents{rows: map[[2]uuid.UUID]*store.Consent{}} }

func (m *memConsents) Get(_ context.Context, userID, clientID uuid.UUID) (*store.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[[2]uuid.UUID{userID, clientID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConsents) Upsert(_ context.Context, c *store.Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.rows[[2]uuid.UUID{c.UserID, c.ClientID}] = c
	return nil
}

func (m *memConsents) Delete(_ context.Context, userID, clientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, [2]uuid.UUID{userID, clientID})
	return nil
}

type memAudit struct {
	mu   sync.Mutex
	rows []*store.AuditRecord
}

func (m *memAudit) Insert(_ context.Context, r *store.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memAudit) ListRecent(_ context.Context, limit int) ([]*store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.AuditRecord, 0, limit)
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

func newTestLedger(t *testing.T) (*Ledger, *memConsents, *memAudit) {
	t.Helper()
	consents := newMemConsents()
	records := &memAudit{}
	auditor := audit.New(records, zap.NewNop(), 16)
	t.Cleanup(auditor.Close)
	return NewLedger(consents, auditor), consents, records
}

func TestHasConsentCoversSubsets(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	userID, clientID := uuid.New(), uuid.New()

	has, err := ledger.HasConsent(ctx, userID, clientID, []string{"profile"})
	require.NoError(t, err)
	assert.False(t, has, "no grant recorded yet")

	_, err = ledger.Grant(ctx, userID, clientID, []string{"profile", "email"})
	require.NoError(t, err)

	has, err = ledger.HasConsent(ctx, userID, clientID, []string{"email"})
	require.NoError(t, err)
	assert.True(t, has, "narrower request is covered")

	has, err = ledger.HasConsent(ctx, userID, clientID, []string{"profile", "offline_access"})
	require.NoError(t, err)
	assert.False(t, has, "an ungranted scope breaks coverage")
}

func TestGrantReplacesScopeSet(t *testing.T) {
	ledger, consents, _ := newTestLedger(t)
	ctx := context.Background()
	userID, clientID := uuid.New(), uuid.New()

	_, err := ledger.Grant(ctx, userID, clientID, []string{"profile", "email"})
	require.NoError(t, err)
	_, err = ledger.Grant(ctx, userID, clientID, []string{"profile"})
	require.NoError(t, err)

	record, err := consents.Get(ctx, userID, clientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"profile"}, record.Scopes)

	has, err := ledger.HasConsent(ctx, userID, clientID, []string{"email"})
	require.NoError(t, err)
	assert.False(t, has, "a narrowed re-grant removes the dropped scope")
}

func TestRequiresConsentSkipsInternalClients(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	internal := &store.Client{ID: uuid.New(), IsInternal: true}
	required, err := ledger.RequiresConsent(ctx, internal, userID, []string{"profile"})
	require.NoError(t, err)
	assert.False(t, required)

	external := &store.Client{ID: uuid.New()}
	required, err = ledger.RequiresConsent(ctx, external, userID, []string{"profile"})
	require.NoError(t, err)
	assert.True(t, required)
}

func TestRevokeClearsGrant(t *testing.T) {
	ledger, consents, records := newTestLedger(t)
	ctx := context.Background()
	userID, clientID := uuid.New(), uuid.New()

	_, err := ledger.Grant(ctx, userID, clientID, []string{"profile"})
	require.NoError(t, err)
	require.NoError(t, ledger.Revoke(ctx, userID, clientID))

	_, err = consents.Get(ctx, userID, clientID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	has, err := ledger.HasConsent(ctx, userID, clientID, []string{"profile"})
	require.NoError(t, err)
	assert.False(t, has)

	// The auditor is asynchronous; wait for the queue to drain before
	// asserting on the recorded actions.
	require.Eventually(t, func() bool {
		recent, err := records.ListRecent(ctx, 10)
		if err != nil || len(recent) < 2 {
			return false
		}
		return recent[0].Action == ActionRevoked
	}, 2*time.Second, 10*time.Millisecond)
}

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/loomhub/identity-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memAuditStore struct {
	mu      sync.Mutex
	records []*store.AuditRecord
	failing bool
}

func (m *memAuditStore) Insert(_ context.Context, record *store.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store unavailable")
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memAuditStore) ListRecent(_ context.Context, limit int) ([]*store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.records) {
		limit = len(m.records)
	}
	return m.records[len(m.records)-limit:], nil
}

func TestRecordPersistsEntries(t *testing.T) {
	st := &memAuditStore{}
	l := New(st, zaptest.NewLogger(t), 8)

	l.Record(context.Background(), Entry{Action: "oauth2.token.issued", Resource: "oauth_token", ResourceID: "t1"})
	l.Record(context.Background(), Entry{Action: "oauth2.consent.granted", Resource: "consent"})
	l.Close()

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.records, 2)
	assert.Equal(t, "oauth2.token.issued", st.records[0].Action)
	assert.False(t, st.records[0].OccurredAt.IsZero())
}

func TestRecordIgnoresEmptyAction(t *testing.T) {
	st := &memAuditStore{}
	l := New(st, zaptest.NewLogger(t), 8)

	l.Record(context.Background(), Entry{Resource: "oauth_token"})
	l.Close()

	assert.Empty(t, st.records)
}

func TestStoreFailureDoesNotPropagate(t *testing.T) {
	st := &memAuditStore{failing: true}
	l := New(st, zaptest.NewLogger(t), 8)

	// Must not panic or block.
	l.Record(context.Background(), Entry{Action: "oauth2.token.revoked"})
	l.Close()
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	st := &memAuditStore{}
	l := New(st, zaptest.NewLogger(t), 8)
	l.Close()

	l.Record(context.Background(), Entry{Action: "oauth2.token.issued"})
	assert.Empty(t, st.records)
}

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// AuditStore appends immutable audit records.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) Insert(ctx context.Context, record *store.AuditRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource_type, resource_id, ip_address, user_agent, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.UserID, record.Action, record.Resource, record.ResourceID,
		record.IPAddress, record.UserAgent, mustJSON(record.Context), record.OccurredAt,
	)
	return translateError(err, "insert audit record")
}

func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]*store.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, ip_address, user_agent, context, occurred_at
		FROM audit_logs ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, translateError(err, "list audit records")
	}
	defer rows.Close() //nolint:errcheck

	var records []*store.AuditRecord
	for rows.Next() {
		var (
			record  store.AuditRecord
			userID  sql.Null[uuid.UUID]
			context []byte
		)
		err := rows.Scan(&record.ID, &userID, &record.Action, &record.Resource, &record.ResourceID,
			&record.IPAddress, &record.UserAgent, &context, &record.OccurredAt)
		if err != nil {
			return nil, translateError(err, "scan audit record")
		}
		if userID.Valid {
			id := userID.V
			record.UserID = &id
		}
		record.Context = unmarshalMap(context)
		records = append(records, &record)
	}
	return records, translateError(rows.Err(), "list audit records")
}

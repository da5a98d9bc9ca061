package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
)

// ClientStore persists registered OAuth2 clients.
type ClientStore struct {
	db *sql.DB
}

func (s *ClientStore) Create(ctx context.Context, client *store.Client) error {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, client_id, secret_hash, name, owner_id, redirect_uris, is_internal, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		client.ID, client.ClientID, client.SecretHash, client.Name, client.OwnerID,
		mustJSON(client.RedirectURIs), client.IsInternal, client.IsActive, client.CreatedAt,
	)
	return translateError(err, "insert client")
}

func (s *ClientStore) GetByClientID(ctx context.Context, clientID string) (*store.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, secret_hash, name, owner_id, redirect_uris, is_internal, is_active, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID)
	return scanClient(row)
}

func (s *ClientStore) List(ctx context.Context) ([]*store.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, secret_hash, name, owner_id, redirect_uris, is_internal, is_active, created_at
		FROM oauth_clients ORDER BY created_at`)
	if err != nil {
		return nil, translateError(err, "list clients")
	}
	defer rows.Close() //nolint:errcheck

	var clients []*store.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, translateError(rows.Err(), "list clients")
}

func (s *ClientStore) Deactivate(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_clients SET is_active = false WHERE client_id = $1`, clientID)
	if err != nil {
		return translateError(err, "deactivate client")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return translateError(err, "deactivate client")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*store.Client, error) {
	var (
		client       store.Client
		ownerID      sql.Null[uuid.UUID]
		redirectURIs []byte
	)
	err := row.Scan(&client.ID, &client.ClientID, &client.SecretHash, &client.Name,
		&ownerID, &redirectURIs, &client.IsInternal, &client.IsActive, &client.CreatedAt)
	if err != nil {
		return nil, translateError(err, "scan client")
	}
	if ownerID.Valid {
		id := ownerID.V
		client.OwnerID = &id
	}
	client.RedirectURIs = unmarshalStrings(redirectURIs)
	return &client, nil
}

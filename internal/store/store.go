// Package store defines the persistence contracts consumed by the OAuth2
// engine and surrounding services, together with the domain records they
// exchange. Implementations must provide the atomic conditional updates the
// contracts document; the engine relies on affected-row checks, not
// read-then-write sequences, for every single-consumption transition.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("record already exists")
)

// Client is a registered OAuth2 application.
type Client struct {
	ID           uuid.UUID
	ClientID     string
	SecretHash   string
	Name         string
	OwnerID      *uuid.UUID
	RedirectURIs []string
	IsInternal   bool
	IsActive     bool
	CreatedAt    time.Time
}

// HasRedirectURI reports whether uri exactly matches a registered redirect
// URI. Matching is strict string equality; no normalization or prefix rules.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// Scope is a named unit of grantable access.
type Scope struct {
	ID          uuid.UUID
	Code        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// AuthorizationCode is a short-lived single-use code issued by the
// authorization endpoint. Only the hash of the code value is persisted.
type AuthorizationCode struct {
	ID                  uuid.UUID
	CodeHash            string
	ClientID            uuid.UUID
	UserID              uuid.UUID
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// OAuthToken is a persisted access/refresh token pair. Client-credentials
// tokens have a nil UserID and an empty RefreshTokenHash.
type OAuthToken struct {
	ID               uuid.UUID
	ClientID         uuid.UUID
	UserID           *uuid.UUID
	AccessTokenHash  string
	RefreshTokenHash string
	Scopes           []string
	ExpiresAt        time.Time
	Revoked          bool
	CreatedAt        time.Time
}

// Consent records the scopes a user has granted to a client. One row per
// (user, client) pair; re-granting replaces the scope set.
type Consent struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ClientID  uuid.UUID
	Scopes    []string
	GrantedAt time.Time
}

// User is a directory entry.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Status       string
	Profile      map[string]any
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// IsActive reports whether the user may authenticate.
func (u *User) IsActive() bool {
	return u.Status == "active"
}

// Session is a password-login session backed by an opaque refresh token.
type Session struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	RefreshTokenHash string
	Status           string
	IPAddress        string
	UserAgent        string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// AuditRecord is an immutable security event.
type AuditRecord struct {
	ID         uuid.UUID
	UserID     *uuid.UUID
	Action     string
	Resource   string
	ResourceID string
	IPAddress  string
	UserAgent  string
	Context    map[string]any
	OccurredAt time.Time
}

// ClientStore manages registered OAuth2 clients.
type ClientStore interface {
	Create(ctx context.Context, client *Client) error
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
	List(ctx context.Context) ([]*Client, error)
	// Deactivate soft-disables a client; records are never deleted.
	Deactivate(ctx context.Context, clientID string) error
}

// ScopeStore manages registered scopes.
type ScopeStore interface {
	Create(ctx context.Context, scope *Scope) error
	// GetByCodes returns the scopes for the given codes; absent codes are
	// simply missing from the result, callers detect them by length.
	GetByCodes(ctx context.Context, codes []string) ([]*Scope, error)
	List(ctx context.Context) ([]*Scope, error)
	Deactivate(ctx context.Context, code string) error
}

// CodeStore manages authorization codes.
type CodeStore interface {
	Create(ctx context.Context, code *AuthorizationCode) error
	// GetActiveByHash returns the code with the given hash only if it is
	// unused and unexpired.
	GetActiveByHash(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	// Consume flips used from false to true with a single conditional update.
	// A false result means another exchange already consumed the code; the
	// caller must treat that as a failed grant, never a success.
	Consume(ctx context.Context, id uuid.UUID) (bool, error)
	// DeleteExpired garbage-collects codes past their expiry.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TokenStore manages issued OAuth2 tokens.
type TokenStore interface {
	Create(ctx context.Context, token *OAuthToken) error
	// GetByAccessHash looks up a token by access-token hash, scoped to the
	// client that presented it.
	GetByAccessHash(ctx context.Context, clientID uuid.UUID, accessHash string) (*OAuthToken, error)
	// GetByRefreshHash returns the row regardless of its revoked flag: the
	// engine needs revoked rows to detect refresh-token replay.
	GetByRefreshHash(ctx context.Context, refreshHash string) (*OAuthToken, error)
	// Revoke flips revoked from false to true with a single conditional
	// update; false means the token was already revoked.
	Revoke(ctx context.Context, id uuid.UUID) (bool, error)
	// RevokeAllForUserClient revokes every active token for the pair and
	// returns the rows that were revoked.
	RevokeAllForUserClient(ctx context.Context, userID, clientID uuid.UUID) ([]*OAuthToken, error)
}

// ConsentStore persists the consent ledger.
type ConsentStore interface {
	Get(ctx context.Context, userID, clientID uuid.UUID) (*Consent, error)
	// Upsert inserts or replaces the consent row for (user, client). The
	// scope set is replaced, not unioned.
	Upsert(ctx context.Context, consent *Consent) error
	Delete(ctx context.Context, userID, clientID uuid.UUID) error
}

// UserStore is the user directory contract.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	SetLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SessionStore manages password-login sessions.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	GetActiveByRefreshHash(ctx context.Context, refreshHash string) (*Session, error)
	RotateRefreshHash(ctx context.Context, id uuid.UUID, newHash string, expiresAt time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

// AuditStore appends audit records.
type AuditStore interface {
	Insert(ctx context.Context, record *AuditRecord) error
	ListRecent(ctx context.Context, limit int) ([]*AuditRecord, error)
}

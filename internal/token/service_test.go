package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T, cfg config.TokenConfig) *Service {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	if cfg.Issuer == "" {
		cfg.Issuer = "https://id.test"
	}
	if cfg.Audience == "" {
		cfg.Audience = "test"
	}
	return NewServiceWithKeys(cfg, key, &key.PublicKey)
}

func TestMintAndVerifyUserAccessToken(t *testing.T) {
	svc := testService(t, config.TokenConfig{AccessTokenTTL: 15 * time.Minute})

	userID := uuid.New()
	sessionID := uuid.New()
	apps := map[string]AppAccess{
		"billing": {Roles: []string{"admin"}, Permissions: []string{"invoice.read", "invoice.write"}},
	}

	signed, exp, err := svc.MintUserAccessToken(UserTokenInput{
		UserID:    userID,
		SessionID: sessionID,
		Email:     "user@example.com",
		Apps:      apps,
		Scopes:    []string{"profile"},
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 5*time.Second)

	claims, err := svc.Verify(signed, KindUserAccess)
	require.NoError(t, err)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.Equal(t, sessionID.String(), claims.SessionID)
	assert.Equal(t, apps, claims.Apps)
	assert.Equal(t, []string{"profile"}, claims.Scope)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejectsKindMismatch(t *testing.T) {
	svc := testService(t, config.TokenConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		AppTokenTTL:     time.Hour,
	})

	userToken, _, err := svc.MintUserAccessToken(UserTokenInput{UserID: uuid.New(), SessionID: uuid.New()})
	require.NoError(t, err)
	appToken, _, err := svc.MintAppToken("svc-billing")
	require.NoError(t, err)
	oauthToken, _, err := svc.MintOAuth2UserToken(uuid.New(), "client-1", []string{"profile"}, time.Minute)
	require.NoError(t, err)
	ccToken, _, err := svc.MintOAuth2ClientToken("client-1", []string{"internal"}, time.Minute)
	require.NoError(t, err)

	tokens := map[Kind]string{
		KindUserAccess:   userToken,
		KindApp:          appToken,
		KindOAuth2User:   oauthToken,
		KindOAuth2Client: ccToken,
	}

	for mintedAs, signed := range tokens {
		for expected := range tokens {
			claims, err := svc.Verify(signed, expected)
			if expected == mintedAs {
				assert.NoError(t, err, "%s accepted as itself", mintedAs)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalid, "%s accepted as %s", mintedAs, expected)
			assert.Nil(t, claims)
		}
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := testService(t, config.TokenConfig{AccessTokenTTL: -time.Minute})

	signed, _, err := svc.MintUserAccessToken(UserTokenInput{UserID: uuid.New(), SessionID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.Verify(signed, KindUserAccess)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc := testService(t, config.TokenConfig{AccessTokenTTL: time.Minute})
	other := testService(t, config.TokenConfig{AccessTokenTTL: time.Minute})

	signed, _, err := other.MintUserAccessToken(UserTokenInput{UserID: uuid.New(), SessionID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.Verify(signed, KindUserAccess)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestOAuth2ClientTokenHasNoSubject(t *testing.T) {
	svc := testService(t, config.TokenConfig{})

	signed, _, err := svc.MintOAuth2ClientToken("client-9", []string{"internal"}, time.Minute)
	require.NoError(t, err)

	claims, err := svc.Verify(signed, KindOAuth2Client)
	require.NoError(t, err)
	assert.Empty(t, claims.Subject)
	assert.Equal(t, []string{"client-9"}, []string(claims.Audience))
}

func TestGenerateOpaqueToken(t *testing.T) {
	plain, hashed, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.Equal(t, HashToken(plain), hashed)
	assert.NotEqual(t, plain, hashed)

	again, _, err := GenerateOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, plain, again)
}

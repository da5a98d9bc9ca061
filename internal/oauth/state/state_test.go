package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := Payload{Provider: "google", ReturnTo: "/dashboard", Nonce: "n-123"}

	encoded, err := Encode("top-secret", payload, time.Minute)
	require.NoError(t, err)

	decoded, err := Decode("top-secret", encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, *decoded)
}

func TestDecodeRejectsTampering(t *testing.T) {
	encoded, err := Encode("top-secret", Payload{Provider: "google", Nonce: "n"}, time.Minute)
	require.NoError(t, err)

	_, err = Decode("wrong-secret", encoded)
	assert.Error(t, err)

	_, err = Decode("top-secret", encoded+"x")
	assert.Error(t, err)
}

func TestDecodeRejectsExpiredState(t *testing.T) {
	encoded, err := Encode("top-secret", Payload{Provider: "google"}, -time.Minute)
	require.NoError(t, err)

	_, err = Decode("top-secret", encoded)
	assert.Error(t, err)
}

func TestEncodeRequiresSecret(t *testing.T) {
	_, err := Encode("", Payload{}, time.Minute)
	assert.Error(t, err)
	_, err = Decode("", "anything")
	assert.Error(t, err)
}

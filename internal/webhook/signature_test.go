package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_AcceptsValidSignature(t *testing.T) {
	secret := []byte("shh")
	payload := []byte(`{"action":"opened"}`)
	require.True(t, verifySignature(payload, sign(secret, payload), secret))
}

func TestVerifySignature_RejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := sign([]byte("shh"), payload)
	require.False(t, verifySignature(payload, sig, []byte("different")))
}

func TestVerifySignature_RejectsTamperedPayload(t *testing.T) {
	secret := []byte("shh")
	sig := sign(secret, []byte(`{"action":"opened"}`))
	require.False(t, verifySignature([]byte(`{"action":"closed"}`), sig, secret))
}

func TestVerifySignature_RejectsMissingPrefix(t *testing.T) {
	secret := []byte("shh")
	payload := []byte(`{}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	raw := hex.EncodeToString(mac.Sum(nil))
	require.False(t, verifySignature(payload, raw, secret))
}

func TestVerifyTimestamp_AcceptsWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	err := verifyTimestamp(now.Add(-2*time.Minute).Format(time.RFC3339), 5*time.Minute, now)
	require.NoError(t, err)
}

func TestVerifyTimestamp_RejectsOutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	err := verifyTimestamp(now.Add(-10*time.Minute).Format(time.RFC3339), 5*time.Minute, now)
	require.Error(t, err)
}

func TestVerifyTimestamp_RejectsMissingHeader(t *testing.T) {
	err := verifyTimestamp("", 5*time.Minute, time.Now())
	require.Error(t, err)
}

func TestVerifyTimestamp_AcceptsUnixSecondsFormat(t *testing.T) {
	now := time.Now().UTC()
	ts := now.Add(-1 * time.Minute).Unix()
	err := verifyTimestamp(fmt.Sprintf("%d", ts), 5*time.Minute, now)
	require.NoError(t, err)
}

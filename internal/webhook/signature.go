package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// verifySignature checks the HMAC-SHA256 signature of a raw webhook
// body against secret, in constant time. This is the one place the
// sync core reaches for crypto/hmac directly rather than a third-party
// library: no available HMAC primitive improves on the standard
// library's constant-time compare.
func verifySignature(payload []byte, signatureHeader string, secret []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signatureHeader[len(prefix):]), []byte(expected))
}

// verifyTimestamp enforces the optional ±5 minute replay window, when
// enabled for the provider.
func verifyTimestamp(timestampHeader string, window time.Duration, now time.Time) error {
	if timestampHeader == "" {
		return fmt.Errorf("missing timestamp header")
	}
	ts, err := time.Parse(time.RFC3339, timestampHeader)
	if err != nil {
		if unix, perr := parseUnixSeconds(timestampHeader); perr == nil {
			ts = unix
		} else {
			return fmt.Errorf("invalid timestamp header: %w", err)
		}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return fmt.Errorf("timestamp %s outside replay window of %s", ts, window)
	}
	return nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

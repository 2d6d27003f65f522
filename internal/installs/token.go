package installs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook token format:
//
//	base64( installationID ":" conversationID ":" unixMillis ":" hexHMAC )
//
// where hexHMAC = HMAC-SHA256(secret, installationID ":" conversationID ":" unixMillis).
//
// The token is embedded in the answer/event URLs handed to the provider at
// call placement; the provider echoes it back on every webhook, which is the
// only authentication available on that public endpoint.

var (
	ErrTokenMalformed = errors.New("installs: token malformed")
	ErrTokenExpired   = errors.New("installs: token expired")
	ErrTokenMismatch  = errors.New("installs: token signature mismatch")
)

const defaultTokenMaxAge = time.Hour

// SignToken derives a webhook token for an installation and conversation.
func SignToken(installationID, conversationID, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	payload := installationID + ":" + conversationID + ":" + ts
	sig := signPayload(payload, secret)
	return base64.StdEncoding.EncodeToString([]byte(payload + ":" + sig))
}

// VerifyToken checks a webhook token against the installation's secret.
// The signature comparison is constant time. maxAge <= 0 applies the default.
func VerifyToken(token, expectedInstallationID, secret string, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = defaultTokenMaxAge
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMalformed
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return ErrTokenMalformed
	}
	installationID, conversationID, ts, sig := parts[0], parts[1], parts[2], parts[3]

	if installationID != expectedInstallationID {
		return ErrTokenMismatch
	}

	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrTokenMalformed
	}
	age := now.Sub(time.UnixMilli(millis))
	if age > maxAge {
		return fmt.Errorf("%w: age %s exceeds %s", ErrTokenExpired, age.Truncate(time.Second), maxAge)
	}

	payload := installationID + ":" + conversationID + ":" + ts
	expected := signPayload(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrTokenMismatch
	}
	return nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

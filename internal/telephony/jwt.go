package telephony

import (
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const applicationTokenTTL = 5 * time.Minute

// ParsePrivateKey loads the PEM-encoded application private key issued by the
// provider dashboard.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

// mintApplicationJWT builds the short-lived RS256 bearer token the voice REST
// API requires. A fresh token per request keeps clock handling trivial.
func mintApplicationJWT(applicationID string, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"application_id": applicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(applicationTokenTTL).Unix(),
		"jti":            uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// MintClientJWT issues a user-scoped token for the browser voice SDK, letting
// an operator's WebRTC client register as the "app" endpoint their leg is
// dialed to. sub must match the provider-side user name stored in the CRM
// operator record.
func MintClientJWT(applicationID, sub string, key *rsa.PrivateKey, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"application_id": applicationID,
		"sub":            sub,
		"iat":            now.Unix(),
		"exp":            now.Add(ttl).Unix(),
		"jti":            uuid.NewString(),
		"acl": map[string]any{
			"paths": map[string]any{
				"/*/users/**":         struct{}{},
				"/*/conversations/**": struct{}{},
				"/*/sessions/**":      struct{}{},
				"/*/devices/**":       struct{}{},
				"/*/image/**":         struct{}{},
				"/*/media/**":         struct{}{},
				"/*/knocking/**":      struct{}{},
				"/*/legs/**":          struct{}{},
			},
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

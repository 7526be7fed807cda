package gateway

import (
	"crypto/subtle"

	"web-transcriber/internal/apperr"
)

// Authenticator checks client credentials against the shared secret.
type Authenticator struct {
	secret string
}

// NewAuthenticator returns an Authenticator for secret. An empty secret makes
// every check fail with a config error.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Check returns nil when credential matches the secret.
func (a *Authenticator) Check(credential string) error {
	if a.secret == "" {
		return apperr.NewConfig("APP_PASSWORD is not configured on the server")
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(a.secret)) != 1 {
		return apperr.NewAuth("invalid password")
	}
	return nil
}

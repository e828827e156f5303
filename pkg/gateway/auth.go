package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret for clients that cannot set Authorization.
const SecretHeader = "X-Retina-Secret"

// AuthHandler checks the shared secret on incoming requests
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret disables checks.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is required
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares a presented secret in constant time
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authorize checks the bearer token, the secret header, or (for browser
// websocket clients) the token query parameter.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	return a.Verify(presentedSecret(r))
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return secret
	}
	return r.URL.Query().Get("token")
}

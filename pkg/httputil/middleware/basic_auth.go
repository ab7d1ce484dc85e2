package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edgeflare/restlet/pkg/httputil"
	"golang.org/x/crypto/bcrypt"
)

// BasicAuthConfig holds the username-password pairs for basic authentication.
// A password starting with "$2" is treated as a bcrypt hash.
type BasicAuthConfig struct {
	Credentials map[string]string
	Realm       string
}

// BasicAuthCreds creates a BasicAuthConfig with multiple username/password pairs.
func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{Credentials: credentials, Realm: "restlet"}
}

// VerifyBasicAuth rejects requests without valid basic credentials with a
// JSON 401. The authenticated user is stored under httputil.BasicAuthCtxKey.
// CORS preflight requests pass through.
func VerifyBasicAuth(config *BasicAuthConfig) func(http.Handler) http.Handler {
	challenge := `Basic realm="` + config.Realm + `", charset="UTF-8"`
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge)
				msg := "authorization header missing"
				if r.Header.Get("Authorization") != "" {
					msg = "invalid basic authorization header"
				}
				httputil.Error(w, http.StatusUnauthorized, msg)
				return
			}

			stored, known := config.Credentials[username]
			if !known || !passwordMatches(stored, password) {
				w.Header().Set("WWW-Authenticate", challenge)
				httputil.Error(w, http.StatusUnauthorized, "invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func passwordMatches(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

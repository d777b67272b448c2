package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/ridealong/internal/auth"
)

// DevUserHeader carries the identity when header auth is enabled.
const DevUserHeader = "X-User-ID"

// TokenVerifier checks a bearer token and returns its identity.
type TokenVerifier interface {
	Verify(token string) (auth.AuthContext, error)
}

// RequireUser authenticates the request with a bearer token, or the
// access_token query parameter (browsers cannot set headers on websockets).
// With devHeader set, X-User-ID is accepted instead. A nil verifier
// disables token auth.
func RequireUser(verifier TokenVerifier, devHeader bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := authenticate(r, verifier, devHeader)
			if !ok {
				unauthorized(w)
				return
			}
			if rec, isRec := w.(*statusRecorder); isRec {
				rec.user = ac.UserID
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

func authenticate(r *http.Request, verifier TokenVerifier, devHeader bool) (auth.AuthContext, bool) {
	if devHeader {
		if id := strings.TrimSpace(r.Header.Get(DevUserHeader)); id != "" {
			return auth.AuthContext{UserID: id, Source: "header"}, true
		}
	}
	if verifier == nil {
		return auth.AuthContext{}, false
	}

	var token string
	if h := r.Header.Get("Authorization"); h != "" {
		t, err := auth.ParseBearerToken(h)
		if err != nil {
			return auth.AuthContext{}, false
		}
		token = t
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return auth.AuthContext{}, false
	}

	ac, err := verifier.Verify(token)
	if err != nil {
		return auth.AuthContext{}, false
	}
	return ac, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="ridealong"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

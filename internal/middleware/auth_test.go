package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/ridealong/internal/auth"
)

func identityHandler(t *testing.T, want string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := auth.UserID(r.Context()); got != want {
			t.Errorf("UserID = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireUserBearer(t *testing.T) {
	v := auth.NewVerifier("secret", "")
	tok, err := v.Issue("user-0000-0001", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	handler := RequireUser(v, false)(identityHandler(t, "user-0000-0001"))

	req := httptest.NewRequest("GET", "/api/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRequireUserQueryToken(t *testing.T) {
	v := auth.NewVerifier("secret", "")
	tok, _ := v.Issue("user-0000-0002", time.Hour)

	handler := RequireUser(v, false)(identityHandler(t, "user-0000-0002"))

	req := httptest.NewRequest("GET", "/ws?access_token="+tok, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRequireUserRejects(t *testing.T) {
	v := auth.NewVerifier("secret", "")
	handler := RequireUser(v, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	tests := map[string]func(*http.Request){
		"no credentials": func(*http.Request) {},
		"bad token":      func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
		"basic auth":     func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
		"dev header off": func(r *http.Request) { r.Header.Set(DevUserHeader, "someone") },
	}
	for name, prep := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			prep(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestRequireUserDevHeader(t *testing.T) {
	handler := RequireUser(nil, true)(identityHandler(t, "dev-user-0001"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DevUserHeader, "dev-user-0001")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

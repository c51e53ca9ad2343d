package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminJWTDisabledWithoutSecret(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()

	AdminJWT("")(okHandler(&called)).ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got called=%v status=%d", called, rec.Code)
	}
}

func TestAdminJWTRejects(t *testing.T) {
	cases := map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + signedOperatorToken(t, "wrong", time.Now().Add(time.Minute)),
		"expired":      "Bearer " + signedOperatorToken(t, "secret", time.Now().Add(-time.Minute)),
		"not bearer":   "Basic abc",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			AdminJWT("secret")(okHandler(&called)).ServeHTTP(rec, req)
			if called || rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got called=%v status=%d", called, rec.Code)
			}
		})
	}
}

func TestAdminJWTAcceptsHeaderAndQueryToken(t *testing.T) {
	token := signedOperatorToken(t, "secret", time.Now().Add(5*time.Minute))

	for name, req := range map[string]*http.Request{
		"header": func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			r.Header.Set("Authorization", "Bearer "+token)
			return r
		}(),
		"query": httptest.NewRequest(http.MethodGet, "/ws/dashboard?token="+token, nil),
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			var claims OperatorClaims
			AdminJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var ok bool
				claims, ok = OperatorFromContext(r.Context())
				if !ok {
					t.Fatalf("expected operator claims in context")
				}
			})).ServeHTTP(rec, req)
			if claims.Subject != "front-desk" || claims.Role != "operator" {
				t.Fatalf("unexpected claims %+v", claims)
			}
		})
	}
}

func signedOperatorToken(t *testing.T, secret string, expires time.Time) string {
	t.Helper()
	claims := OperatorClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "front-desk",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

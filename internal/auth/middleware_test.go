package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewPolicy())
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenRunSubmit(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "alex", "viewer")
	mw := NewMiddleware(secret, NewPolicy())
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenAbort(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "alex", "viewer")
	mw := NewMiddleware(secret, NewPolicy())
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/abort", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_OperatorInContext(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "alex", RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mw := NewMiddleware(secret, NewPolicy())
	var (
		op    Operator
		found bool
	)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, found = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !found || op.Name != "alex" || op.Role != RoleOperator {
		t.Fatalf("unexpected operator %+v (found=%v)", op, found)
	}
}

func TestAuthMiddleware_OpenPaths(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewPolicy("/healthz", "/metrics"))
	handler := mw.Wrap(okHandler())

	for _, path := range []string{"/healthz", "/metrics"} {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestAuthMiddleware_ReloadNeedsAdmin(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewPolicy())
	handler := mw.Wrap(okHandler())

	cases := []struct {
		role string
		want int
	}{
		{"operator", http.StatusForbidden},
		{"admin", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/setups/reload", nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "alex", tc.role))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.role, tc.want, resp.Code)
		}
	}
}

func TestAuthMiddleware_RejectsMalformedHeader(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "alex", "admin")
	handler := NewMiddleware(secret, NewPolicy()).Wrap(okHandler())

	for _, header := range []string{"Basic " + token, "Bearer", "Bearer    ", token} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
		req.Header.Set("Authorization", header)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, resp.Code)
		}
	}
}

func TestPolicyResolve(t *testing.T) {
	policy := NewPolicy("/healthz")
	cases := []struct {
		method, path string
		want         Action
		guarded      bool
	}{
		{http.MethodGet, "/healthz", "", false},
		{http.MethodGet, "/", "", false},
		{http.MethodPost, "/api/v1/runs", ActionSubmitRun, true},
		{http.MethodPost, "/api/v1/runs/run-1/abort", ActionAbortRun, true},
		{http.MethodGet, "/api/v1/runs/run-1/report.pdf", ActionReadRuns, true},
		{http.MethodPost, "/api/v1/setups/reload", ActionReloadSetups, true},
		{http.MethodDelete, "/api/v1/runs/run-1", ActionSubmitRun, true},
		{http.MethodGet, "/api/v2/anything", ActionReadRuns, true},
	}
	for _, tc := range cases {
		action, guarded := policy.Resolve(httptest.NewRequest(tc.method, tc.path, nil))
		if action != tc.want || guarded != tc.guarded {
			t.Fatalf("%s %s: got %q %v", tc.method, tc.path, action, guarded)
		}
	}
}

func TestAuthorizeAbort(t *testing.T) {
	cases := []struct {
		name  string
		op    Operator
		owner string
		ok    bool
	}{
		{"owner", Operator{Name: "alex", Role: RoleOperator}, "alex", true},
		{"other operator", Operator{Name: "sam", Role: RoleOperator}, "alex", false},
		{"admin", Operator{Name: "root", Role: RoleAdmin}, "alex", true},
		{"viewer owner", Operator{Name: "alex", Role: RoleViewer}, "alex", false},
	}
	for _, tc := range cases {
		err := AuthorizeAbort(tc.op, tc.owner)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && (!errors.Is(err, ErrForbidden) || StatusCode(err) != http.StatusForbidden) {
			t.Fatalf("%s: expected forbidden, got %v", tc.name, err)
		}
	}
}

func TestParseJWT_RejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alex",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(signed, secret); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func mustToken(t *testing.T, secret []byte, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Middleware authenticates run API callers and checks their role grants.
type Middleware struct {
	secret []byte
	policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{secret: secret, policy: policy}
}

// Wrap places the caller's Operator in the request context before calling next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, guarded := m.policy.Resolve(r)
		if !guarded {
			next.ServeHTTP(w, r)
			return
		}
		op, err := m.authorize(r, action)
		if err != nil {
			status := StatusCode(err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

func (m *Middleware) authorize(r *http.Request, action Action) (Operator, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Operator{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims, err := ParseJWT(token, m.secret)
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	op := Operator{Name: claims.Subject, Role: Role(claims.Role)}
	if !op.Role.Allows(action) {
		return op, fmt.Errorf("%w: %s cannot %s", ErrForbidden, op.Role, action)
	}
	return op, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

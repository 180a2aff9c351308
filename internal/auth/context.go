package auth

import "context"

// Operator is the authenticated caller of the run API.
type Operator struct {
	Name string
	Role Role
}

type operatorKey struct{}

// WithOperator attaches the caller to ctx.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the caller, if the request was authenticated.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}

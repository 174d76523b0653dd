// Package auth validates bearer tokens and carries the resulting principal
// through request contexts.
package auth

import (
	"context"
	"errors"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Org     string `json:"org"`
	Role    string `json:"role"`
	TraceID string `json:"trace_id,omitempty"`
}

type contextKey string

const principalKey contextKey = "principal"

var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the principal attached by the auth middleware.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

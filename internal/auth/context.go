package auth

import "context"

type scopesKey struct{}

// WithScopes returns a context carrying the caller's granted scopes.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

// HasScope reports whether the context carries the given scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(scopesKey{}).([]string)
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

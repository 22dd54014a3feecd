package loyalty

import (
	"context"
	"strings"
)

type scopeKey struct{}

// WithWorkshop returns a context scoped to the given workshop. The identity
// provider in front of the engine is expected to call this once per request.
func WithWorkshop(ctx context.Context, ws WorkshopID) context.Context {
	return context.WithValue(ctx, scopeKey{}, ws)
}

// WorkshopFromContext returns the workshop carried by ctx or ErrMissingScope.
func WorkshopFromContext(ctx context.Context) (WorkshopID, error) {
	ws, _ := ctx.Value(scopeKey{}).(WorkshopID)
	if strings.TrimSpace(string(ws)) == "" {
		return "", ErrMissingScope
	}
	return ws, nil
}

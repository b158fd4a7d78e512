package rbac

import (
	"context"
	"strings"
)

type actorContextKey struct{}

// ContextWithActor stores the already-authenticated caller identity in the
// context. The core performs no authentication itself; hosts attach whatever
// subject their edge verified.
func ContextWithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorFromContext extracts the caller identity from the context.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

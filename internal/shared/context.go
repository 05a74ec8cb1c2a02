package shared

import (
	"context"
	"net/http"
	"strconv"
)

// ActorHeader carries the operator id set by the front office.
const ActorHeader = "X-Actor-ID"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, zero when anonymous.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ActorMiddleware reads ActorHeader into the request context. Malformed
// values are treated as anonymous.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get(ActorHeader); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				r = r.WithContext(ContextWithActor(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

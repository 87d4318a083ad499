package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKeyOperationID struct{}

// New returns a fresh operation identifier.
func New() string {
	return uuid.NewString()
}

func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyOperationID{}, strings.TrimSpace(id))
}

func OperationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyOperationID{}).(string)
	return v, ok && v != ""
}

// Ensure returns ctx's operation id, attaching a new one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := OperationIDFromContext(ctx); ok {
		return ctx, id
	}
	id := New()
	return ContextWithOperationID(ctx, id), id
}

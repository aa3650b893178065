package auth

import (
	"context"

	"github.com/dukerupert/joyledger/internal/ledger"
)

type contextKey struct{}

func WithPrincipal(ctx context.Context, p ledger.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (ledger.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(ledger.Principal)
	return p, ok
}

func MemberID(ctx context.Context) int64 {
	p, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return p.MemberID
}

func IsAdmin(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return p.Privileged()
}

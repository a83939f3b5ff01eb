package tracker

import (
	"context"
	"errors"
)

type ctxKey struct{}

// ErrNoUnitOfWork is returned by hooks invoked outside a unit of work.
var ErrNoUnitOfWork = errors.New("no unit of work in context")

// WithUnitOfWork returns a context carrying u.
func WithUnitOfWork(ctx context.Context, u *UnitOfWork) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the unit of work carried by ctx.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(ctxKey{}).(*UnitOfWork)
	return u, ok && u != nil
}

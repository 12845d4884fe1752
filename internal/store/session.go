package store

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// Structural errors. These are never shown to users raw; callers convert
// them to a generic apology and log for operators.
var (
	ErrNoUnit        = errors.New("store: context carries no unit of work")
	ErrSessionOwner  = errors.New("store: session used outside its owning unit of work")
	ErrSessionClosed = errors.New("store: session is closed")
)

type unitKeyType struct{}

var unitKey = unitKeyType{}

// WithUnit tags the context with a fresh unit-of-work ID. Every inbound
// message and every scheduler firing gets its own unit; sessions acquired
// under one unit cannot be used from another.
func WithUnit(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, unitKey, id), id
}

// UnitID returns the unit-of-work ID carried by ctx, or "".
func UnitID(ctx context.Context) string {
	if id, ok := ctx.Value(unitKey).(string); ok {
		return id
	}
	return ""
}

// Session is the write handle for one unit of work. Ownership is checked
// when the session is acquired and again on every write and on Close, so a
// session created correctly but later handed to another goroutine fails at
// the point data would be written.
type Session struct {
	store  *Store
	unit   string
	closed atomic.Bool
}

// Acquire binds a new Session to the unit of work in ctx.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	unit := UnitID(ctx)
	if unit == "" {
		return nil, ErrNoUnit
	}
	return &Session{store: s, unit: unit}, nil
}

// Unit returns the owning unit-of-work ID.
func (sess *Session) Unit() string {
	return sess.unit
}

// Store returns the underlying store, for read-only queries.
func (sess *Session) Store() *Store {
	return sess.store
}

func (sess *Session) guard(ctx context.Context) error {
	if sess.closed.Load() {
		return ErrSessionClosed
	}
	if UnitID(ctx) != sess.unit {
		return ErrSessionOwner
	}
	return nil
}

// exec runs a write statement after re-verifying ownership.
func (sess *Session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := sess.guard(ctx); err != nil {
		return nil, err
	}
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = sess.store.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// Close releases the session. The ownership check at close catches a
// session handed off mid-flight even if it never wrote.
func (sess *Session) Close(ctx context.Context) error {
	if UnitID(ctx) != sess.unit {
		return ErrSessionOwner
	}
	sess.closed.Store(true)
	return nil
}

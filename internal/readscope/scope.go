// Package readscope provides nestable read sessions against a document
// store.
//
// A Guard opens one underlying session for the outermost Acquire of a
// logical operation and hands the same session to every Acquire nested
// inside it, by way of the context. The session is closed when the last
// nested release returns, on every exit path.
package readscope

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("diam.readscope")

// Session is an open read session.
type Session interface {
	Close(ctx context.Context) error
}

// Guard hands out reference-counted read scopes.
type Guard[S Session] struct {
	open func(ctx context.Context) (S, error)
}

// NewGuard returns a guard that opens sessions with open.
func NewGuard[S Session](open func(ctx context.Context) (S, error)) *Guard[S] {
	return &Guard[S]{open: open}
}

type scope[S Session] struct {
	guard   *Guard[S]
	session S

	mu   sync.Mutex
	refs int
}

type scopeKey[S Session] struct {
	guard *Guard[S]
}

// Acquire returns a context carrying an open session and a release func
// that must be called exactly once. If ctx already carries a session from
// this guard the session is shared and only its reference count changes.
func (g *Guard[S]) Acquire(ctx context.Context) (context.Context, func(), error) {
	if sc, ok := ctx.Value(scopeKey[S]{g}).(*scope[S]); ok {
		sc.mu.Lock()
		if sc.refs > 0 {
			sc.refs++
			sc.mu.Unlock()
			return ctx, sc.releaseFunc(ctx), nil
		}
		sc.mu.Unlock()
	}

	session, err := g.open(ctx)
	if err != nil {
		return ctx, func() {}, errors.Annotate(err, "opening read session")
	}
	sc := &scope[S]{guard: g, session: session, refs: 1}
	ctx = context.WithValue(ctx, scopeKey[S]{g}, sc)
	return ctx, sc.releaseFunc(ctx), nil
}

func (sc *scope[S]) releaseFunc(ctx context.Context) func() {
	var once sync.Once
	return func() {
		once.Do(func() { sc.release(ctx) })
	}
}

func (sc *scope[S]) release(ctx context.Context) {
	sc.mu.Lock()
	sc.refs--
	last := sc.refs == 0
	sc.mu.Unlock()
	if !last {
		return
	}
	if err := sc.session.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warningf("closing read session: %v", err)
	}
}

// Do runs f inside a read scope.
func (g *Guard[S]) Do(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, release, err := g.Acquire(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer release()
	return f(ctx)
}

// From returns the session of the innermost scope in ctx opened by g.
func (g *Guard[S]) From(ctx context.Context) (S, bool) {
	sc, ok := ctx.Value(scopeKey[S]{g}).(*scope[S])
	if !ok {
		var zero S
		return zero, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.refs == 0 {
		var zero S
		return zero, false
	}
	return sc.session, true
}

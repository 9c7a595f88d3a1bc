package reqctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotProvided is returned when a context is read before any value was
	// bound and no computation exists to produce one.
	ErrNotProvided = errors.New("context not provided")

	// ErrNoScope is returned by Provide when ctx carries no scope.
	ErrNoScope = errors.New("no request scope bound")
)

type scopeKey struct{}

type trackerKey struct{}

// node identifies one Context or Derived across all scopes.
type node struct {
	name string
}

type slot struct {
	value      any
	bound      bool
	epoch      uint64
	computing  chan struct{}
	dependents map[*node]struct{}
}

type scope struct {
	mu    sync.Mutex
	slots map[*node]*slot
}

// WithScope returns a child of parent carrying a fresh, empty scope.
func WithScope(parent context.Context) context.Context {
	return context.WithValue(parent, scopeKey{}, &scope{slots: make(map[*node]*slot)})
}

// HasScope reports whether ctx carries a scope.
func HasScope(ctx context.Context) bool {
	return scopeFrom(ctx) != nil
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// slotLocked returns the slot for n, creating it. Callers hold s.mu.
func (s *scope) slotLocked(n *node) *slot {
	sl, ok := s.slots[n]
	if !ok {
		sl = &slot{dependents: make(map[*node]struct{})}
		s.slots[n] = sl
	}
	return sl
}

// track records that the derived computation running in ctx read n.
func (s *scope) trackLocked(ctx context.Context, n *node) {
	dependent, ok := ctx.Value(trackerKey{}).(*node)
	if !ok || dependent == n {
		return
	}
	s.slotLocked(n).dependents[dependent] = struct{}{}
}

// invalidateLocked drops every value computed from n. Callers hold s.mu.
func (s *scope) invalidateLocked(n *node) {
	sl, ok := s.slots[n]
	if !ok {
		return
	}
	dependents := sl.dependents
	sl.dependents = make(map[*node]struct{})
	for dependent := range dependents {
		dsl := s.slotLocked(dependent)
		dsl.value = nil
		dsl.bound = false
		dsl.epoch++
		s.invalidateLocked(dependent)
	}
}

func notProvided(n *node) error {
	return fmt.Errorf("%w: %s", ErrNotProvided, n.name)
}

// Context is a source of request-scoped values of type T.
type Context[T any] struct {
	n *node
}

// Create declares a source context. Contexts are usually package-level vars.
func Create[T any](name string) *Context[T] {
	return &Context[T]{n: &node{name: name}}
}

// Name returns the name given to Create.
func (c *Context[T]) Name() string { return c.n.name }

// Use returns the value bound in ctx's scope.
func (c *Context[T]) Use(ctx context.Context) (T, error) {
	var zero T
	s := scopeFrom(ctx)
	if s == nil {
		return zero, notProvided(c.n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[c.n]
	if !ok || !sl.bound {
		return zero, notProvided(c.n)
	}
	s.trackLocked(ctx, c.n)
	v, _ := sl.value.(T)
	return v, nil
}

// MustUse is Use that panics when the value is missing. Handler code reaches
// it only by bypassing the invocation entry point, which is not recoverable.
func (c *Context[T]) MustUse(ctx context.Context) T {
	v, err := c.Use(ctx)
	if err != nil {
		panic(err)
	}
	return v
}

// Provide binds v for the rest of the scope and invalidates everything
// derived from the previous value.
func (c *Context[T]) Provide(ctx context.Context, v T) error {
	s := scopeFrom(ctx)
	if s == nil {
		return fmt.Errorf("provide %s: %w", c.n.name, ErrNoScope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotLocked(c.n)
	sl.value = v
	sl.bound = true
	sl.epoch++
	s.invalidateLocked(c.n)
	return nil
}

// Reset unbinds the value and invalidates everything derived from it.
func (c *Context[T]) Reset(ctx context.Context) {
	s := scopeFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotLocked(c.n)
	sl.value = nil
	sl.bound = false
	sl.epoch++
	s.invalidateLocked(c.n)
}

// Derived is a memoised computation over other contexts.
type Derived[T any] struct {
	n  *node
	fn func(ctx context.Context) (T, error)
}

// Derive declares a derived context computed by fn. Every context fn reads
// through the ctx it is given becomes a dependency.
func Derive[T any](name string, fn func(ctx context.Context) (T, error)) *Derived[T] {
	return &Derived[T]{n: &node{name: name}, fn: fn}
}

// Name returns the name given to Derive.
func (d *Derived[T]) Name() string { return d.n.name }

// Use returns the cached value, computing it on first access in the scope
// or after invalidation. Failed computations are not cached.
func (d *Derived[T]) Use(ctx context.Context) (T, error) {
	var zero T
	s := scopeFrom(ctx)
	if s == nil {
		return zero, notProvided(d.n)
	}

	s.mu.Lock()
	for {
		sl := s.slotLocked(d.n)
		if sl.bound {
			s.trackLocked(ctx, d.n)
			v, _ := sl.value.(T)
			s.mu.Unlock()
			return v, nil
		}
		if sl.computing == nil {
			break
		}
		wait := sl.computing
		s.mu.Unlock()
		<-wait
		s.mu.Lock()
	}
	sl := s.slotLocked(d.n)
	s.trackLocked(ctx, d.n)
	done := make(chan struct{})
	sl.computing = done
	epoch := sl.epoch
	s.mu.Unlock()

	var (
		v        T
		err      error
		finished bool
	)
	defer func() {
		s.mu.Lock()
		sl := s.slotLocked(d.n)
		sl.computing = nil
		if finished && err == nil && sl.epoch == epoch {
			sl.value = v
			sl.bound = true
		}
		s.mu.Unlock()
		close(done)
	}()
	v, err = d.compute(context.WithValue(ctx, trackerKey{}, d.n))
	finished = true
	return v, err
}

func (d *Derived[T]) compute(ctx context.Context) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, ErrNotProvided) {
				err = fmt.Errorf("compute %s: %w", d.n.name, e)
				return
			}
			panic(r)
		}
	}()
	return d.fn(ctx)
}

// MustUse is Use that panics on error.
func (d *Derived[T]) MustUse(ctx context.Context) T {
	v, err := d.Use(ctx)
	if err != nil {
		panic(err)
	}
	return v
}

// Reset drops the cached value and everything derived from it.
func (d *Derived[T]) Reset(ctx context.Context) {
	s := scopeFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slotLocked(d.n)
	sl.value = nil
	sl.bound = false
	sl.epoch++
	s.invalidateLocked(d.n)
}

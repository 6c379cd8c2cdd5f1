package container

import (
	"fmt"
	"reflect"
	"sync"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// Scope is a bounded unit of work (typically one request). Scoped
// registrations resolve to one shared instance per scope; the scope's cache
// is allocated fresh on entry and discarded on Close, on every exit path.
//
// Scopes must not be shared across concurrently handled requests; create one
// per request.
type Scope struct {
	c *Container

	mu        sync.Mutex
	instances map[reflect.Type]any
	closed    bool
}

// NewScope opens a new scope with an empty scoped-instance cache.
func (c *Container) NewScope() *Scope {
	return &Scope{
		c:         c,
		instances: make(map[reflect.Type]any),
	}
}

// Close discards the scoped-instance cache. Further resolves through this
// scope fail. Close is idempotent; defer it right after NewScope so the cache
// is dropped on every exit path.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances = nil
	s.closed = true
}

// ResolveIn returns the instance registered for T, resolving scoped
// registrations against this scope. Singleton and transient registrations
// behave exactly as they do on the container.
func ResolveIn[T any](s *Scope) (T, error) {
	var zero T

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return zero, fmt.Errorf("resolve %s: %w", typeOf[T]().String(), cerr.ErrScopeClosed)
	}

	v, err := s.c.resolve(typeOf[T](), s)
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

// resolveScoped caches per scope with the same check-lock-check discipline as
// singletons; the scope mutex also serializes factory calls within a scope.
func (s *Scope) resolveScoped(t reflect.Type, reg *registration) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("resolve %s: %w", t.String(), cerr.ErrScopeClosed)
	}

	if v, ok := s.instances[t]; ok {
		return v, nil
	}

	v, err := reg.factory(s.c)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", t.String(), err)
	}

	s.instances[t] = v

	return v, nil
}

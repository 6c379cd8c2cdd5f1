package container

import (
	"fmt"
	"reflect"
	"sync"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

// Lifetime declares how long a resolved instance lives.
type Lifetime int

const (
	// Singleton: one instance for the process lifetime, constructed lazily
	// on first resolve.
	Singleton Lifetime = iota
	// Scoped: one instance per Scope, discarded when the scope closes.
	Scoped
	// Transient: a fresh instance on every resolve.
	Transient
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Factory constructs a service instance. It receives the container so
// factories can resolve their own dependencies.
type Factory func(c *Container) (any, error)

type registration struct {
	lifetime Lifetime
	factory  Factory

	// guards lazy singleton construction for this registration only
	mu sync.Mutex
}

// Container maps service types to factories with declared lifetimes. It is an
// explicit instance threaded through startup and request handling; there is
// no process-global container. Safe for concurrent use.
type Container struct {
	mu         sync.RWMutex
	regs       map[reflect.Type]*registration
	singletons map[reflect.Type]any
}

// New constructs an empty container.
func New() *Container {
	return &Container{
		regs:       make(map[reflect.Type]*registration),
		singletons: make(map[reflect.Type]any),
	}
}

// Register records how to build a T with the given lifetime. No instance is
// created yet. A later registration for the same type overwrites the earlier
// one; doing so after instances were resolved is a wiring bug.
func Register[T any](c *Container, lifetime Lifetime, factory func(c *Container) (T, error)) {
	c.register(typeOf[T](), lifetime, func(c *Container) (any, error) {
		return factory(c)
	})
}

// RegisterValue registers an already-constructed singleton instance.
func RegisterValue[T any](c *Container, value T) {
	Register(c, Singleton, func(*Container) (T, error) { return value, nil })
}

func (c *Container) register(t reflect.Type, lifetime Lifetime, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs[t] = &registration{lifetime: lifetime, factory: factory}
	delete(c.singletons, t)
}

// Resolve returns the instance registered for T. Scoped registrations cannot
// be resolved from the container directly; use a Scope.
func Resolve[T any](c *Container) (T, error) {
	v, err := c.resolve(typeOf[T](), nil)
	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// MustResolve is Resolve for bootstrap paths where a missing registration is
// a fatal wiring bug.
func MustResolve[T any](c *Container) T {
	v, err := Resolve[T](c)
	if err != nil {
		panic(err)
	}

	return v
}

// resolve handles all three lifetimes; scope is nil when resolving directly
// from the container.
func (c *Container) resolve(t reflect.Type, scope *Scope) (any, error) {
	c.mu.RLock()
	reg, ok := c.regs[t]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", t.String(), cerr.ErrNotRegistered)
	}

	switch reg.lifetime {
	case Singleton:
		return c.resolveSingleton(t, reg)

	case Scoped:
		if scope == nil {
			return nil, fmt.Errorf("resolve %s: scoped service requires an active scope: %w",
				t.String(), cerr.ErrNoActiveScope)
		}
		return scope.resolveScoped(t, reg)

	case Transient:
		return reg.factory(c)

	default:
		return nil, fmt.Errorf("resolve %s: unknown lifetime %d: %w", t.String(), reg.lifetime, cerr.ErrNotRegistered)
	}
}

// resolveSingleton constructs at most once using double-checked locking: the
// fast path reads the cache without the registration lock, then re-checks
// under it because two first-resolvers can race to construct.
func (c *Container) resolveSingleton(t reflect.Type, reg *registration) (any, error) {
	c.mu.RLock()
	v, ok := c.singletons[t]
	c.mu.RUnlock()

	if ok {
		return v, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	c.mu.RLock()
	v, ok = c.singletons[t]
	c.mu.RUnlock()

	if ok {
		return v, nil
	}

	v, err := reg.factory(c)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", t.String(), err)
	}

	c.mu.Lock()
	c.singletons[t] = v
	c.mu.Unlock()

	return v, nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

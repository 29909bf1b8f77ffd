// Package registry wires the process's singletons in dependency order.
//
// Each binding names the bindings it needs. Build validates the whole
// graph, rejecting unknown dependencies and cycles before any constructor
// runs, then constructs every binding once. Constructors see only the
// dependencies they declared.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrNotRegistered         = errors.New("not registered")
	ErrDependencyCycle       = errors.New("dependency cycle")
	ErrWrongType             = errors.New("wrong type")
)

// Deps are the constructed dependencies handed to a Constructor.
type Deps map[string]any

// Dep returns the dependency id as a T.
func Dep[T any](d Deps, id string) (T, error) {
	var zero T
	v, ok := d[id]
	if !ok {
		return zero, fmt.Errorf("%w: %q was not declared", ErrNotRegistered, id)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrWrongType, id, v, zero)
	}
	return t, nil
}

type Constructor func(deps Deps) (any, error)

type binding struct {
	id   string
	deps []string
	ctor Constructor
}

type Registry struct {
	mu        sync.Mutex
	bindings  map[string]*binding
	order     []string // registration order
	instances map[string]any
	built     []string // construction order
}

func New() *Registry {
	return &Registry{
		bindings:  make(map[string]*binding),
		instances: make(map[string]any),
	}
}

// Register binds id. Registering an id twice fails and keeps the first
// binding.
func (r *Registry) Register(id string, deps []string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateRegistration, id)
	}
	r.bindings[id] = &binding{id: id, deps: append([]string(nil), deps...), ctor: ctor}
	r.order = append(r.order, id)
	return nil
}

// Resolve returns the singleton for id, constructing it and its
// dependencies first if needed.
func (r *Registry) Resolve(id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.sortFrom([]string{id})
	if err != nil {
		return nil, err
	}
	for _, dep := range order {
		if err := r.construct(dep); err != nil {
			return nil, err
		}
	}
	return r.instances[id], nil
}

// Build constructs every binding in dependency order.
func (r *Registry) Build() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := r.sortFrom(r.order)
	if err != nil {
		return err
	}
	for _, id := range order {
		if err := r.construct(id); err != nil {
			return err
		}
	}
	return nil
}

// Order returns the construction order Build would use.
func (r *Registry) Order() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortFrom(r.order)
}

// Instances returns every constructed singleton in construction order.
func (r *Registry) Instances() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.built))
	for _, id := range r.built {
		out = append(out, r.instances[id])
	}
	return out
}

// Get resolves id as a T.
func Get[T any](r *Registry, id string) (T, error) {
	var zero T
	v, err := r.Resolve(id)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrWrongType, id, v, zero)
	}
	return t, nil
}

// construct must be called with r.mu held and every dependency of id
// already constructed.
func (r *Registry) construct(id string) error {
	if _, ok := r.instances[id]; ok {
		return nil
	}
	b := r.bindings[id]
	deps := make(Deps, len(b.deps))
	for _, dep := range b.deps {
		deps[dep] = r.instances[dep]
	}
	v, err := b.ctor(deps)
	if err != nil {
		return fmt.Errorf("construct %q: %w", id, err)
	}
	r.instances[id] = v
	r.built = append(r.built, id)
	return nil
}

const (
	unvisited = iota
	visiting
	done
)

// sortFrom returns roots and everything they depend on, dependencies
// first. The order is deterministic: roots in the given order, each
// binding's dependencies in declared order.
func (r *Registry) sortFrom(roots []string) ([]string, error) {
	state := make(map[string]int)
	var order, path []string

	var visit func(id, from string) error
	visit = func(id, from string) error {
		b, ok := r.bindings[id]
		if !ok {
			if from == "" {
				return fmt.Errorf("%w: %q", ErrNotRegistered, id)
			}
			return fmt.Errorf("%w: %q (needed by %q)", ErrNotRegistered, id, from)
		}
		switch state[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
		}
		state[id] = visiting
		path = append(path, id)
		for _, dep := range b.deps {
			if err := visit(dep, id); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		order = append(order, id)
		return nil
	}

	for _, id := range roots {
		if err := visit(id, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}

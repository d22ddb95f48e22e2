package mirror

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cellworld.ai/internal/sim/geom"
)

var ErrDuplicateType = errors.New("mirror: type tag already registered")

// Object is the local counterpart of a loaded cell, owned by the rendering
// side. Release frees whatever the object holds once its cell unloads.
type Object interface {
	Release()
}

// Movable objects follow CELL_MOVE in place.
type Movable interface {
	SetTransform(tf geom.Transform)
}

// Stateful objects receive CELL_STATE updates.
type Stateful interface {
	SetState(state []byte)
}

// Parented objects are told when their local parent changes. A nil parent
// means top level or orphaned.
type Parented interface {
	SetParent(parent Object)
}

// Factory builds the local object for a cell of one type tag.
type Factory func(state []byte, tf geom.Transform) (Object, error)

// Registry maps type tags to factories. It is filled at startup.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Factory{}}
}

func (r *Registry) Register(tag string, f Factory) error {
	if tag == "" || f == nil {
		return fmt.Errorf("mirror: register %q: empty tag or nil factory", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[tag]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, tag)
	}
	r.m[tag] = f
	return nil
}

func (r *Registry) Lookup(tag string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.m[tag]
	return f, ok
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

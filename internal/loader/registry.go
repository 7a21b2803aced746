package loader

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Renderer produces the markup for a mounted unit.
type Renderer interface {
	Render(ctx context.Context, w io.Writer) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, w io.Writer) error

func (f RendererFunc) Render(ctx context.Context, w io.Writer) error { return f(ctx, w) }

// SharedScope lists the dependencies the host offers to containers, by
// name and version.
type SharedScope map[string]string

// Module is what a container factory yields. Default is the exported
// entry point; a nil Default means the module has no default export.
type Module struct {
	Default Renderer
}

type Factory func() (Module, error)

// Container is one federated remote after its entry has been executed.
type Container interface {
	Init(ctx context.Context, shared SharedScope) error
	Get(ctx context.Context, module string) (Factory, error)
}

// ContainerRegistry is where executed entries publish their containers,
// keyed by scope.
type ContainerRegistry struct {
	mu         sync.RWMutex
	containers map[string]Container
}

func NewContainerRegistry() *ContainerRegistry {
	return &ContainerRegistry{containers: map[string]Container{}}
}

func (r *ContainerRegistry) Register(scope string, c Container) {
	r.mu.Lock()
	r.containers[scope] = c
	r.mu.Unlock()
}

func (r *ContainerRegistry) Lookup(scope string) (Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[scope]
	return c, ok
}

// ElementRegistry tracks defined custom elements. Definitions are
// permanent, like a browser's registry.
type ElementRegistry struct {
	mu       sync.RWMutex
	elements map[string]Renderer
}

func NewElementRegistry() *ElementRegistry {
	return &ElementRegistry{elements: map[string]Renderer{}}
}

func (r *ElementRegistry) Define(tag string, def Renderer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elements[tag]; ok {
		return fmt.Errorf("custom element %q already defined", tag)
	}
	r.elements[tag] = def
	return nil
}

func (r *ElementRegistry) Defined(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.elements[tag]
	return ok
}

func (r *ElementRegistry) Lookup(tag string) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.elements[tag]
	return def, ok
}

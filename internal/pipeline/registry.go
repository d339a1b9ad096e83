// Package pipeline loads the YAML pipeline definition (ordered task list,
// per-stage requires/produces/skipIf overrides) and holds the handlerType
// registry the definition's tasks are resolved against at supervisor
// startup.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/fenwick/pipelinerunner/internal/stage"
)

// Handler is the contract a task implementation registers under a
// handlerType: its full (possibly partial) set of per-stage
// implementations, keyed by canonical stage name.
type Handler interface {
	Type() string
	Stages() stage.TaskHandlers
}

// Registry is a concurrency-safe handlerType -> Handler map, resolved once
// at startup and read many times as the supervisor walks the task list.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h under its own Type(). Registering two handlers under the
// same type is a wiring error and fails fast rather than silently picking
// one.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("pipeline: nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("pipeline: handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("pipeline: handler already registered for type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(handlerType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType]
	return h, ok
}

package crpc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
)

// HandlerID identifies a registered remote-callable handler.
type HandlerID uint32

// ApplyFunc executes an inbound call on the local side.
type ApplyFunc func(ctx context.Context, c Call) error

// HandlerInfo describes one registered handler.
type HandlerInfo struct {
	ID   HandlerID
	Name string

	Apply ApplyFunc
}

// DuplicateHandlerError is returned from [*RegistryBuilder.Register]
// when the handler ID is already taken.
type DuplicateHandlerError struct {
	ID HandlerID

	Existing, New string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf(
		"handler id %d already registered as %q (attempted %q)",
		e.ID, e.Existing, e.New,
	)
}

// RegistryBuilder accumulates handler registrations.
// The zero value is ready to use.
type RegistryBuilder struct {
	handlers map[HandlerID]HandlerInfo
	built    bool
}

// Register adds a handler under id.
// Registering the same id twice returns a [*DuplicateHandlerError]
// and keeps the first registration.
func (b *RegistryBuilder) Register(id HandlerID, name string, apply ApplyFunc) error {
	if b.built {
		panic(errors.New("BUG: RegistryBuilder used after Build"))
	}
	if apply == nil {
		panic(fmt.Errorf("BUG: nil apply function for handler %q", name))
	}

	if h, ok := b.handlers[id]; ok {
		return &DuplicateHandlerError{ID: id, Existing: h.Name, New: name}
	}

	if b.handlers == nil {
		b.handlers = map[HandlerID]HandlerInfo{}
	}
	b.handlers[id] = HandlerInfo{ID: id, Name: name, Apply: apply}
	return nil
}

// Build returns the immutable registry.
// The builder must not be used afterwards.
func (b *RegistryBuilder) Build() *Registry {
	if b.built {
		panic(errors.New("BUG: RegistryBuilder built twice"))
	}
	b.built = true

	r := &Registry{handlers: b.handlers}
	if r.handlers == nil {
		r.handlers = map[HandlerID]HandlerInfo{}
	}
	b.handlers = nil
	return r
}

// Registry is an immutable set of handlers.
type Registry struct {
	handlers map[HandlerID]HandlerInfo
}

// Lookup returns the handler registered under id.
func (r *Registry) Lookup(id HandlerID) (HandlerInfo, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// Handlers returns every registered handler ordered by ID.
func (r *Registry) Handlers() []HandlerInfo {
	out := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b HandlerInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

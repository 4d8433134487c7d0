package cpacket

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gordian-engine/coop/cconn"
)

// Key is the dispatch table key.
type Key struct {
	State cconn.State
	Type  Type
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.State, k.Type)
}

// Entry is one immutable dispatch table entry.
type Entry struct {
	Key Key

	Handler Handler

	// Optional. If set, Override is resolved instead of Handler.
	Override Handler
}

// DuplicateRegistrationError is returned when a key is registered twice.
type DuplicateRegistrationError struct {
	Key Key
}

func (e *DuplicateRegistrationError) Error() string {
	return "duplicate packet handler registration for " + e.Key.String()
}

// MissingRegistrationError is returned when overriding a key
// that has no base handler.
type MissingRegistrationError struct {
	Key Key
}

func (e *MissingRegistrationError) Error() string {
	return "no packet handler registered to override for " + e.Key.String()
}

// UnknownPacketError is returned from [*Table.Dispatch]
// when no handler exists for the packet's state and type.
// The packet has been discarded; the connection is unaffected.
type UnknownPacketError struct {
	Key Key
}

func (e *UnknownPacketError) Error() string {
	return "no packet handler for " + e.Key.String()
}

// TableBuilder accumulates registrations for a [Table].
// The zero value is ready to use.
type TableBuilder struct {
	entries map[Key]*Entry
	built   bool
}

func (b *TableBuilder) checkBuilt() {
	if b.built {
		panic(errors.New("BUG: TableBuilder used after Build"))
	}
}

// Register adds h for the given state and packet type.
// If the key is already registered, the existing handler is kept
// and a [*DuplicateRegistrationError] is returned.
func (b *TableBuilder) Register(state cconn.State, t Type, h Handler) error {
	b.checkBuilt()

	if h == nil {
		panic(fmt.Errorf("BUG: nil handler registered for %s/%s", state, t))
	}

	k := Key{State: state, Type: t}
	if _, ok := b.entries[k]; ok {
		return &DuplicateRegistrationError{Key: k}
	}

	if b.entries == nil {
		b.entries = map[Key]*Entry{}
	}
	b.entries[k] = &Entry{Key: k, Handler: h}
	return nil
}

// MustRegister is like Register but panics on error.
// It is intended for startup composition,
// where a duplicate is a programming error.
func (b *TableBuilder) MustRegister(state cconn.State, t Type, h Handler) {
	if err := b.Register(state, t, h); err != nil {
		panic(fmt.Errorf("BUG: %w", err))
	}
}

// RegisterOverride sets the override handler on an existing entry.
// The key must already have a base handler and no override.
func (b *TableBuilder) RegisterOverride(state cconn.State, t Type, h Handler) error {
	b.checkBuilt()

	k := Key{State: state, Type: t}
	e, ok := b.entries[k]
	if !ok {
		return &MissingRegistrationError{Key: k}
	}
	if e.Override != nil {
		return &DuplicateRegistrationError{Key: k}
	}
	e.Override = h
	return nil
}

// Build returns the immutable table.
// The builder must not be used afterwards.
func (b *TableBuilder) Build() *Table {
	b.checkBuilt()
	b.built = true

	m := make(map[Key]Entry, len(b.entries))
	for k, e := range b.entries {
		m[k] = *e
	}
	b.entries = nil

	return &Table{entries: m}
}

// Table is an immutable dispatch table.
// It is safe for concurrent use.
type Table struct {
	entries map[Key]Entry
}

// Resolve returns the handler for the state and packet type,
// preferring the entry's override if one was registered.
func (t *Table) Resolve(state cconn.State, typ Type) (Handler, bool) {
	e, ok := t.entries[Key{State: state, Type: typ}]
	if !ok {
		return nil, false
	}
	if e.Override != nil {
		return e.Override, true
	}
	return e.Handler, true
}

// Dispatch resolves and invokes the handler for p.
// An unroutable packet is logged and discarded,
// returning an [*UnknownPacketError].
func (t *Table) Dispatch(ctx context.Context, log *slog.Logger, p Packet) error {
	h, ok := t.Resolve(p.State, p.Type)
	if !ok {
		log.Debug(
			"Discarding packet with no handler for connection state",
			"conn", p.Conn, "state", p.State, "type", p.Type,
		)
		return &UnknownPacketError{Key: Key{State: p.State, Type: p.Type}}
	}
	return h(ctx, p)
}

// Entries returns a copy of every entry, ordered by state then type.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(a.Key.State, b.Key.State); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.Type, b.Key.Type)
	})
	return out
}

// Len reports the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

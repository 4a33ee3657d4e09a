package sim

import (
	"fmt"
	"sort"
	"sync"
)

// Component is the per-component simulation capability supplied by the
// workload. The engine calls it from a single goroutine per job.
type Component interface {
	// Init returns the events the component emits at start-up.
	Init() []Event
	// Execute reacts to one incoming event and returns the events it produces.
	// Produced events without a destination are fanned out through the
	// connections leaving (Src, SrcPort).
	Execute(ev Event) []Event
	// State snapshots the component state as declaration-style fields.
	State() []string
	// SetState restores a snapshot produced by State.
	SetState(state []string) error
	// Restart rewinds the component to logical time t.
	Restart(t int64)
}

// Factory builds a Component from its declaration.
type Factory func(decl Declaration) (Component, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterKind makes a component kind available to NewComponent.
// Component libraries call it from init(). Panics on a duplicate kind.
func RegisterKind(kind string, factory Factory) {
	if factory == nil {
		panic("RegisterKind: factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("RegisterKind: kind %q registered twice", kind))
	}
	registry[kind] = factory
}

// Kinds returns the registered component kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewComponent builds the component described by decl.
func NewComponent(decl Declaration) (Component, error) {
	registryMu.RLock()
	factory, ok := registry[decl.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("component %d: unknown kind %q", decl.ID, decl.Kind)
	}
	c, err := factory(decl)
	if err != nil {
		return nil, fmt.Errorf("component %d (%s): %w", decl.ID, decl.Kind, err)
	}
	return c, nil
}

// Instantiate builds every component of the netlist.
func Instantiate(n *Netlist) (map[ComponentID]Component, error) {
	out := make(map[ComponentID]Component, n.Len())
	for _, id := range n.IDs() {
		c, err := NewComponent(n.Components[id])
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

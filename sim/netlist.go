package sim

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Declaration is the transportable description of one component: its kind,
// its declaration arguments and an optional estimated cost. The behavior is
// built from a Declaration on the worker through the component registry.
type Declaration struct {
	ID   ComponentID `json:"id" yaml:"id"`
	Kind string      `json:"kind" yaml:"kind"`
	Args []string    `json:"args,omitempty" yaml:"args,omitempty"`
	// Cost is the estimated simulation load ("difficulty"); <= 0 means unknown.
	Cost float64 `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Endpoint is one port of one component.
type Endpoint struct {
	Component ComponentID
	Port      int
}

// Connection is a directed wire (Src, SrcPort) → (Dst, DstPort).
type Connection struct {
	Src     ComponentID `json:"src" yaml:"src"`
	SrcPort int         `json:"src_port" yaml:"src_port"`
	Dst     ComponentID `json:"dst" yaml:"dst"`
	DstPort int         `json:"dst_port" yaml:"dst_port"`
}

// Source returns the source endpoint of the connection.
func (c Connection) Source() Endpoint {
	return Endpoint{Component: c.Src, Port: c.SrcPort}
}

// Netlist is a set of component declarations plus the directed connections
// between them. A Netlist is not safe for concurrent mutation.
type Netlist struct {
	Components  map[ComponentID]Declaration `json:"components"`
	Connections []Connection                `json:"connections"`
}

// NewNetlist returns an empty netlist.
func NewNetlist() *Netlist {
	return &Netlist{Components: make(map[ComponentID]Declaration)}
}

// AddComponent declares a component. Panics on a non-positive id, which is
// a programming error in the caller (loaders validate ids first).
func (n *Netlist) AddComponent(decl Declaration) {
	if decl.ID <= NoComponent {
		panic(fmt.Sprintf("Netlist: component id must be > 0, got %d", decl.ID))
	}
	if n.Components == nil {
		n.Components = make(map[ComponentID]Declaration)
	}
	n.Components[decl.ID] = decl
}

// AddConnection appends a connection.
func (n *Netlist) AddConnection(c Connection) {
	n.Connections = append(n.Connections, c)
}

// Has reports whether the component is declared in this netlist.
func (n *Netlist) Has(id ComponentID) bool {
	_, ok := n.Components[id]
	return ok
}

// Len returns the number of declared components.
func (n *Netlist) Len() int {
	return len(n.Components)
}

// IDs returns the declared component ids in ascending order.
func (n *Netlist) IDs() []ComponentID {
	ids := make([]ComponentID, 0, len(n.Components))
	for id := range n.Components {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Fanout indexes the connections by source endpoint, preserving their order.
func (n *Netlist) Fanout() map[Endpoint][]Connection {
	out := make(map[Endpoint][]Connection)
	for _, c := range n.Connections {
		out[c.Source()] = append(out[c.Source()], c)
	}
	return out
}

// Validate checks that every connection endpoint names a declared component.
func (n *Netlist) Validate() error {
	for i, c := range n.Connections {
		if !n.Has(c.Src) {
			return fmt.Errorf("connection %d: unknown source component %d", i, c.Src)
		}
		if !n.Has(c.Dst) {
			return fmt.Errorf("connection %d: unknown destination component %d", i, c.Dst)
		}
	}
	return nil
}

// Partition is the slice of a netlist owned by one worker for one job: the
// owned components plus every connection whose source is owned. Connection
// destinations may be remote.
type Partition struct {
	Netlist
}

// NewPartition returns an empty partition.
func NewPartition() *Partition {
	return &Partition{Netlist: *NewNetlist()}
}

// Owns reports whether the partition owns the component.
func (p *Partition) Owns(id ComponentID) bool {
	return p.Has(id)
}

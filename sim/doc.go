// Package sim provides the shared data model of the distributed simulator.
//
// # Reading Guide
//
// Start with these files:
//   - event.go: Event and EventList, the unit of transfer between workers
//   - netlist.go: component declarations, connections, netlists and partitions
//   - component.go: the Component capability and the kind registry
//
// # Architecture
//
// The sim package defines data types and the Component interface; the
// machinery lives in sub-packages:
//   - sim/partition/: greedy load-balanced assignment of components to workers
//   - sim/buffer/: per-job LocalBuffer and the worker-side BufferManager
//   - sim/router/: the coordinator-side Router that rebroadcasts event batches
//   - sim/protocol/: network messages, the framed codec and serialized connections
//   - sim/node/: connection sessions, the Coordinator and the Worker
//   - sim/engine/: the per-job simulation loop
//   - sim/components/: built-in component kinds
//   - sim/netlist/: text and YAML netlist loaders
//   - sim/store/: snapshot storage for final component states
//   - sim/trace/: assignment decision records
//
// Component libraries register their kinds via init() functions calling
// RegisterKind; importing sim/components for side effects makes the
// built-in kinds available.
package sim

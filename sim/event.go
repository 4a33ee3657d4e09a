package sim

import "fmt"

// Event is an immutable timestamped message travelling from one component
// port to another. Events are ordered by Time; ties are broken by the order
// in which they were inserted into a buffer.
type Event struct {
	Src     ComponentID `json:"src"`
	SrcPort int         `json:"src_port"`
	Dst     ComponentID `json:"dst"`
	DstPort int         `json:"dst_port"`
	Time    int64       `json:"time"` // logical time (in ticks)
	Payload []byte      `json:"payload,omitempty"`
}

// Addressed reports whether the event already names its destination.
// Unaddressed events produced by a component are fanned out through the
// connections leaving (Src, SrcPort).
func (e Event) Addressed() bool {
	return e.Dst != NoComponent
}

// Deliver returns a copy of e addressed to the destination of conn.
func (e Event) Deliver(conn Connection) Event {
	e.Dst = conn.Dst
	e.DstPort = conn.DstPort
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("%d:%d->%d:%d@%d", e.Src, e.SrcPort, e.Dst, e.DstPort, e.Time)
}

// EventList is a batch of events belonging to one job; the unit of network
// transfer between workers and the coordinator.
type EventList struct {
	JobID  JobID   `json:"job_id"`
	Events []Event `json:"events"`
}

// Len returns the number of events in the batch.
func (l EventList) Len() int {
	return len(l.Events)
}

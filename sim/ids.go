package sim

import "github.com/google/uuid"

// ComponentID identifies a component within one netlist. Valid ids are > 0.
type ComponentID int64

// NoComponent is the zero ComponentID; it never names a real component.
const NoComponent ComponentID = 0

// JobID identifies one simulation run spanning one or more workers.
// Uses distinct type (not alias) to prevent accidental string mixing.
type JobID string

// WorkerID identifies a signed-on worker connection on the coordinator.
type WorkerID string

// NewJobID generates a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// NewWorkerID generates a fresh random worker id.
func NewWorkerID() WorkerID {
	return WorkerID(uuid.NewString())
}

// Package trace provides decision-trace recording for partition assignment.
// The package has no dependencies on sim/ and stores pure data types.
package trace

// AssignmentRecord captures a single greedy assignment decision.
type AssignmentRecord struct {
	ComponentID int64
	WorkerID    string
	Cost        float64
	LoadBefore  float64 // worker load when it was popped as least loaded
	LoadAfter   float64
}

package trace

// AssignmentTrace collects the decisions made while partitioning one job.
type AssignmentTrace struct {
	JobID       string
	Assignments []AssignmentRecord
}

// NewAssignmentTrace creates an AssignmentTrace ready for recording.
func NewAssignmentTrace(jobID string) *AssignmentTrace {
	return &AssignmentTrace{
		JobID:       jobID,
		Assignments: make([]AssignmentRecord, 0),
	}
}

// Record appends an assignment decision.
func (t *AssignmentTrace) Record(record AssignmentRecord) {
	t.Assignments = append(t.Assignments, record)
}

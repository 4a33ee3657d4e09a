package trace

import "math"

// AssignmentSummary aggregates statistics from an AssignmentTrace.
type AssignmentSummary struct {
	TotalAssignments int
	UniqueWorkers    int
	TotalCost        float64
	MaxCost          float64
	// Spread is the difference between the highest and lowest final load
	// among workers that received at least one component.
	Spread             float64
	ComponentsByWorker map[string]int
	FinalLoad          map[string]float64
}

// Summarize computes aggregate statistics from an AssignmentTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(t *AssignmentTrace) *AssignmentSummary {
	summary := &AssignmentSummary{
		ComponentsByWorker: make(map[string]int),
		FinalLoad:          make(map[string]float64),
	}
	if t == nil {
		return summary
	}

	summary.TotalAssignments = len(t.Assignments)
	for _, a := range t.Assignments {
		summary.ComponentsByWorker[a.WorkerID]++
		summary.FinalLoad[a.WorkerID] = a.LoadAfter
		summary.TotalCost += a.Cost
		if a.Cost > summary.MaxCost {
			summary.MaxCost = a.Cost
		}
	}
	summary.UniqueWorkers = len(summary.ComponentsByWorker)

	if len(summary.FinalLoad) > 0 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, l := range summary.FinalLoad {
			lo = math.Min(lo, l)
			hi = math.Max(hi, l)
		}
		summary.Spread = hi - lo
	}
	return summary
}

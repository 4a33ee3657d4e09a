// Package store persists the final component states of finished job
// partitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netlist-sim/distsim/sim"
)

// ErrNotFound is returned by Load when no snapshot exists.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the outcome of one worker's partition of a job.
type Snapshot struct {
	JobID     sim.JobID                    `json:"job_id"`
	WorkerID  sim.WorkerID                 `json:"worker_id"`
	Clock     int64                        `json:"clock"`
	Processed int                          `json:"processed"`
	Reason    string                       `json:"reason"`
	States    map[sim.ComponentID][]string `json:"states"`
	SavedAt   time.Time                    `json:"saved_at"`
}

// Store saves and loads snapshots keyed by job and worker.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, job sim.JobID, worker sim.WorkerID) (Snapshot, error)
	Close() error
}

func key(job sim.JobID, worker sim.WorkerID) string {
	return fmt.Sprintf("distsim:snapshot:%s:%s", job, worker)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[key(s.JobID, s.WorkerID)] = s
	return nil
}

func (m *MemoryStore) Load(_ context.Context, job sim.JobID, worker sim.WorkerID) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[key(job, worker)]
	if !ok {
		return Snapshot{}, fmt.Errorf("job %s worker %s: %w", job, worker, ErrNotFound)
	}
	return s, nil
}

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

func (m *MemoryStore) Close() error { return nil }

// Package testutil provides shared test infrastructure for the simulator.
// It consolidates netlist builders, fixture loading and log capture helpers
// used across the sim/ test packages.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/netlist-sim/distsim/sim"
)

// BuildNetlist declares components 1..len(costs) of the given kind with the
// given costs, then adds the connections.
func BuildNetlist(kind string, costs []float64, conns ...sim.Connection) *sim.Netlist {
	n := sim.NewNetlist()
	for i, c := range costs {
		n.AddComponent(sim.Declaration{ID: sim.ComponentID(i + 1), Kind: kind, Cost: c})
	}
	for _, c := range conns {
		n.AddConnection(c)
	}
	return n
}

// Wire is shorthand for a connection between port 0 of src and port 0 of dst.
func Wire(src, dst sim.ComponentID) sim.Connection {
	return sim.Connection{Src: src, Dst: dst}
}

// NewLogger returns a debug-level logger that discards output and a hook
// capturing every entry.
func NewLogger() (*logrus.Logger, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// Messages returns the messages of captured entries at the given level.
func Messages(hook *logtest.Hook, level logrus.Level) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// LoadFixture reads a file from the repository testdata directory.
// The path is resolved relative to this source file: sim/internal/testutil/ → testdata/.
func LoadFixture(t *testing.T, name string) []byte {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read fixture %s: %v", name, err)
	}
	return data
}

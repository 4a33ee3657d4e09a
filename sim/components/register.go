// register.go adds the built-in kinds to the sim component registry. Importing
// this package (blank import in cmd/ and in tests) makes them available to
// sim.NewComponent.
package components

import "github.com/netlist-sim/distsim/sim"

func init() {
	sim.RegisterKind(KindClock, newClock)
	sim.RegisterKind(KindNot, gateFactory(KindNot, 1, not))
	sim.RegisterKind(KindAnd, gateFactory(KindAnd, 2, and))
	sim.RegisterKind(KindOr, gateFactory(KindOr, 2, or))
	sim.RegisterKind(KindProbe, newProbe)
}

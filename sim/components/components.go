// Package components provides the built-in digital logic component kinds.
//
// Signals are logic levels carried in the event payload as "0" or "1".
// Gates react to every input event by emitting their output level after a
// fixed delay; a clock toggles itself by scheduling events addressed to its
// own tick port.
package components

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/netlist-sim/distsim/sim"
)

// Component kinds registered by this package.
const (
	KindClock = "clock"
	KindNot   = "not"
	KindAnd   = "and"
	KindOr    = "or"
	KindProbe = "probe"
)

// TickPort is the input port on which a clock receives its own ticks.
const TickPort = -1

var errBadLevel = errors.New("payload is not a logic level")

// Level encodes a logic level as an event payload.
func Level(high bool) []byte {
	if high {
		return []byte("1")
	}
	return []byte("0")
}

// ParseLevel decodes a payload produced by Level.
func ParseLevel(p []byte) (bool, error) {
	switch string(p) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", errBadLevel, p)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) (bool, error) {
	return ParseLevel([]byte(s))
}

// intArg parses the i-th declaration argument, returning def when absent.
func intArg(decl sim.Declaration, i int, def int64, name string) (int64, error) {
	if i >= len(decl.Args) {
		return def, nil
	}
	v, err := strconv.ParseInt(decl.Args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

type base struct {
	id    sim.ComponentID
	start int64
}

func (b base) output(t int64, high bool) sim.Event {
	return sim.Event{Src: b.id, SrcPort: 0, Time: t, Payload: Level(high)}
}

// Clock toggles its output every period ticks, starting low and emitting its
// first rising edge at start time. A positive limit stops it after that many
// toggles. Args: [period=1] [limit=0].
type Clock struct {
	base
	period int64
	limit  int64
	high   bool
	ticks  int64
}

func newClock(decl sim.Declaration) (sim.Component, error) {
	period, err := intArg(decl, 0, 1, "period")
	if err != nil {
		return nil, err
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be > 0, got %d", period)
	}
	limit, err := intArg(decl, 1, 0, "limit")
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0, got %d", limit)
	}
	return &Clock{base: base{id: decl.ID}, period: period, limit: limit}, nil
}

func (c *Clock) tick(t int64) sim.Event {
	return sim.Event{Src: c.id, Dst: c.id, DstPort: TickPort, Time: t}
}

func (c *Clock) Init() []sim.Event {
	return []sim.Event{c.tick(c.start)}
}

func (c *Clock) Execute(ev sim.Event) []sim.Event {
	if ev.DstPort != TickPort || c.exhausted() {
		return nil
	}
	c.high = !c.high
	c.ticks++
	out := []sim.Event{c.output(ev.Time, c.high)}
	if !c.exhausted() {
		out = append(out, c.tick(ev.Time+c.period))
	}
	return out
}

func (c *Clock) exhausted() bool {
	return c.limit > 0 && c.ticks >= c.limit
}

// State is [level, ticks].
func (c *Clock) State() []string {
	return []string{formatBool(c.high), strconv.FormatInt(c.ticks, 10)}
}

func (c *Clock) SetState(state []string) error {
	if len(state) != 2 {
		return fmt.Errorf("clock %d: want 2 state fields, got %d", c.id, len(state))
	}
	high, err := parseBool(state[0])
	if err != nil {
		return fmt.Errorf("clock %d: %w", c.id, err)
	}
	ticks, err := strconv.ParseInt(state[1], 10, 64)
	if err != nil {
		return fmt.Errorf("clock %d: %w", c.id, err)
	}
	c.high, c.ticks = high, ticks
	return nil
}

func (c *Clock) Restart(t int64) {
	c.start = t
	c.high = false
	c.ticks = 0
}

// Gate is a combinational gate with a fixed number of inputs. It emits its
// initial output at start-up and re-emits after every input event.
// Args: [delay=1].
type Gate struct {
	base
	kind   string
	delay  int64
	inputs []bool
	eval   func(in []bool) bool
}

func gateFactory(kind string, inputs int, eval func([]bool) bool) sim.Factory {
	return func(decl sim.Declaration) (sim.Component, error) {
		delay, err := intArg(decl, 0, 1, "delay")
		if err != nil {
			return nil, err
		}
		if delay < 0 {
			return nil, fmt.Errorf("delay must be >= 0, got %d", delay)
		}
		return &Gate{
			base:   base{id: decl.ID},
			kind:   kind,
			delay:  delay,
			inputs: make([]bool, inputs),
			eval:   eval,
		}, nil
	}
}

func not(in []bool) bool { return !in[0] }

func and(in []bool) bool {
	for _, v := range in {
		if !v {
			return false
		}
	}
	return true
}

func or(in []bool) bool {
	for _, v := range in {
		if v {
			return true
		}
	}
	return false
}

func (g *Gate) Init() []sim.Event {
	return []sim.Event{g.output(g.start, g.eval(g.inputs))}
}

// Execute ignores events on unknown ports and payloads that are not logic
// levels.
func (g *Gate) Execute(ev sim.Event) []sim.Event {
	if ev.DstPort < 0 || ev.DstPort >= len(g.inputs) {
		return nil
	}
	high, err := ParseLevel(ev.Payload)
	if err != nil {
		return nil
	}
	g.inputs[ev.DstPort] = high
	return []sim.Event{g.output(ev.Time+g.delay, g.eval(g.inputs))}
}

// State is one level per input.
func (g *Gate) State() []string {
	out := make([]string, len(g.inputs))
	for i, v := range g.inputs {
		out[i] = formatBool(v)
	}
	return out
}

func (g *Gate) SetState(state []string) error {
	if len(state) != len(g.inputs) {
		return fmt.Errorf("%s %d: want %d state fields, got %d", g.kind, g.id, len(g.inputs), len(state))
	}
	for i, s := range state {
		v, err := parseBool(s)
		if err != nil {
			return fmt.Errorf("%s %d: input %d: %w", g.kind, g.id, i, err)
		}
		g.inputs[i] = v
	}
	return nil
}

func (g *Gate) Restart(t int64) {
	g.start = t
	clear(g.inputs)
}

// Probe records the signal on its single input and produces nothing.
type Probe struct {
	base
	count    int64
	high     bool
	lastTime int64
}

func newProbe(decl sim.Declaration) (sim.Component, error) {
	return &Probe{base: base{id: decl.ID}}, nil
}

func (p *Probe) Init() []sim.Event { return nil }

func (p *Probe) Execute(ev sim.Event) []sim.Event {
	high, err := ParseLevel(ev.Payload)
	if err != nil {
		return nil
	}
	p.count++
	p.high = high
	p.lastTime = ev.Time
	return nil
}

// Count returns the number of events observed.
func (p *Probe) Count() int64 { return p.count }

// State is [count, level, time of last event].
func (p *Probe) State() []string {
	return []string{
		strconv.FormatInt(p.count, 10),
		formatBool(p.high),
		strconv.FormatInt(p.lastTime, 10),
	}
}

func (p *Probe) SetState(state []string) error {
	if len(state) != 3 {
		return fmt.Errorf("probe %d: want 3 state fields, got %d", p.id, len(state))
	}
	count, err := strconv.ParseInt(state[0], 10, 64)
	if err != nil {
		return fmt.Errorf("probe %d: %w", p.id, err)
	}
	high, err := parseBool(state[1])
	if err != nil {
		return fmt.Errorf("probe %d: %w", p.id, err)
	}
	last, err := strconv.ParseInt(state[2], 10, 64)
	if err != nil {
		return fmt.Errorf("probe %d: %w", p.id, err)
	}
	p.count, p.high, p.lastTime = count, high, last
	return nil
}

func (p *Probe) Restart(t int64) {
	p.start = t
	p.count = 0
	p.high = false
	p.lastTime = t
}

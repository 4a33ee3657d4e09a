// Package engine runs the discrete-event loop of one job partition on a
// worker.
//
// The loop is a single consumer of the job's buffer.Local: it repeatedly
// takes the earliest pending event, executes its destination component and
// hands the produced events, fanned out through the partition's connections,
// to the job's Outbox. The Outbox decides which events stay local and which
// travel to other workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/buffer"
)

// ErrInterrupted is returned when a run is cancelled or its buffer is closed
// before the job completes.
var ErrInterrupted = errors.New("simulation interrupted")

// StopReason tells why a run completed.
type StopReason string

const (
	// StopEndTime means the next event lies beyond the job's end time.
	StopEndTime StopReason = "end-time"
	// StopIdle means no event arrived within the idle timeout.
	StopIdle StopReason = "idle"
)

// Config describes one job partition to simulate.
type Config struct {
	JobID     sim.JobID
	Partition *sim.Partition
	// Components are the instantiated components of Partition.
	Components map[sim.ComponentID]sim.Component
	Buffer     *buffer.Local
	Outbox     buffer.Outbox
	// EndTime is the optional logical deadline; events after it are not executed.
	EndTime *int64
	// IdleTimeout ends the run when the buffer stays empty that long. 0 disables.
	IdleTimeout time.Duration
}

// Result is the outcome of a completed run.
type Result struct {
	Clock     int64 // time of the last executed event
	Processed int
	Reason    StopReason
	States    map[sim.ComponentID][]string
}

// Engine simulates one job partition.
type Engine struct {
	cfg    Config
	fanout map[sim.Endpoint][]sim.Connection
	log    logrus.FieldLogger
}

// New creates an engine. Panics if the partition, buffer or outbox is
// missing.
func New(cfg Config, log logrus.FieldLogger) *Engine {
	if cfg.Partition == nil || cfg.Buffer == nil || cfg.Outbox == nil {
		panic("engine.New: partition, buffer and outbox must not be nil")
	}
	return &Engine{
		cfg:    cfg,
		fanout: cfg.Partition.Fanout(),
		log:    log.WithFields(logrus.Fields{"tag": "engine", "job": cfg.JobID}),
	}
}

// Run emits the start-up events of every component, then processes events
// until the job completes or ctx is cancelled. Completion returns a nil
// error; cancellation and buffer closure return ErrInterrupted.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result
	for _, id := range e.cfg.Partition.IDs() {
		c, ok := e.cfg.Components[id]
		if !ok {
			return res, fmt.Errorf("job %s: component %d not instantiated", e.cfg.JobID, id)
		}
		e.emit(id, c.Init())
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		ev, err := e.take(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				res.Reason = StopIdle
				break
			}
			return res, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		if e.cfg.EndTime != nil && ev.Time > *e.cfg.EndTime {
			res.Reason = StopEndTime
			break
		}
		c, ok := e.cfg.Components[ev.Dst]
		if !ok {
			e.log.Errorf("dropping event %v for component outside the partition", ev)
			continue
		}
		if ev.Time < res.Clock {
			e.log.Warnf("event %v is earlier than clock %d", ev, res.Clock)
		}
		res.Clock = max(res.Clock, ev.Time)
		res.Processed++
		e.emit(ev.Dst, c.Execute(ev))
	}

	res.States = make(map[sim.ComponentID][]string, len(e.cfg.Components))
	for id, c := range e.cfg.Components {
		res.States[id] = c.State()
	}
	e.log.Debugf("completed (%s) at clock %d after %d events", res.Reason, res.Clock, res.Processed)
	return res, nil
}

func (e *Engine) take(ctx context.Context) (sim.Event, error) {
	if e.cfg.IdleTimeout <= 0 {
		return e.cfg.Buffer.Take(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.IdleTimeout)
	defer cancel()
	return e.cfg.Buffer.Take(ctx)
}

// emit addresses the events produced by component id and hands them to the
// outbox. Addressed events pass through unchanged; the others are copied
// once per connection leaving their source port.
func (e *Engine) emit(id sim.ComponentID, produced []sim.Event) {
	if len(produced) == 0 {
		return
	}
	out := make([]sim.Event, 0, len(produced))
	for _, ev := range produced {
		if ev.Src == sim.NoComponent {
			ev.Src = id
		}
		if ev.Addressed() {
			out = append(out, ev)
			continue
		}
		conns := e.fanout[sim.Endpoint{Component: ev.Src, Port: ev.SrcPort}]
		if len(conns) == 0 {
			e.log.Debugf("event %v has no connection, dropped", ev)
			continue
		}
		for _, conn := range conns {
			out = append(out, ev.Deliver(conn))
		}
	}
	if len(out) > 0 {
		e.cfg.Outbox(out)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/netlist-sim/distsim/sim"
	"github.com/netlist-sim/distsim/sim/netlist"
	"github.com/netlist-sim/distsim/sim/node"
	"github.com/netlist-sim/distsim/sim/store"
)

// Report is the JSON document printed by the coordinator when a job ends.
type Report struct {
	JobID      sim.JobID        `json:"job_id"`
	Workers    []sim.WorkerID   `json:"workers"`
	Partitions []store.Snapshot `json:"partitions,omitempty"`
}

// loadNetlist reads the YAML netlist when one is named, the text file pair
// otherwise.
func loadNetlist(cfg NetlistConfig) (*sim.Netlist, error) {
	switch {
	case cfg.YAML != "":
		return netlist.LoadYAMLFile(cfg.YAML)
	case cfg.Components != "" && cfg.Connections != "":
		return netlist.LoadFiles(cfg.Components, cfg.Connections)
	default:
		return nil, errors.New("no netlist given: set a YAML netlist or both components and connections files")
	}
}

// openStore returns a Redis store when a URL is configured, an in-memory
// store otherwise.
func openStore(ctx context.Context, cfg SnapshotConfig) (store.Store, error) {
	if cfg.RedisURL == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, cfg.RedisURL, cfg.TTL)
}

// runCoordinator serves workers, waits for cfg.Coordinator.Workers of them,
// submits the configured netlist as one job and waits for it to end. When
// snapshots is non-nil the partitions saved by the workers are included in
// the report written to out.
func runCoordinator(ctx context.Context, cfg Config, snapshots store.Store, out io.Writer, log logrus.FieldLogger) error {
	cc := cfg.Coordinator
	n, err := loadNetlist(cc.Netlist)
	if err != nil {
		return err
	}
	log.Infof("loaded netlist: %d components, %d connections", n.Len(), len(n.Connections))

	c := node.NewCoordinator(node.CoordinatorConfig{
		Addr:              cc.Listen,
		HeartbeatInterval: cc.HeartbeatInterval,
		WriteTimeout:      cc.WriteTimeout,
		Retries:           cc.Retries,
		RetryDelay:        cc.RetryDelay,
	}, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- c.ListenAndServe(ctx)
		cancel()
	}()
	// stop shuts the server down and prefers its error over err.
	stop := func(err error) error {
		cancel()
		if serr := <-serveErr; serr != nil {
			return serr
		}
		return err
	}

	waitCtx := ctx
	if cc.WaitTimeout > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, cc.WaitTimeout)
		defer waitCancel()
	}
	if err := c.WaitForWorkers(waitCtx, cc.Workers); err != nil {
		return stop(fmt.Errorf("waiting for %d workers: %w", cc.Workers, err))
	}

	var endTime *int64
	if cc.EndTime >= 0 {
		endTime = &cc.EndTime
	}
	jobID, err := c.SubmitJob(n, endTime)
	if err != nil {
		return stop(fmt.Errorf("submit job: %w", err))
	}
	workers := c.JobWorkers(jobID)
	log.Infof("submitted job %s to %d workers", jobID, len(workers))

	if err := c.WaitJob(ctx, jobID); err != nil {
		return stop(fmt.Errorf("job %s: %w", jobID, err))
	}
	log.Infof("job %s complete", jobID)

	report := Report{JobID: jobID, Workers: workers}
	if snapshots != nil {
		for _, w := range workers {
			snap, err := snapshots.Load(ctx, jobID, w)
			if err != nil {
				log.Warnf("no snapshot from worker %s: %v", w, err)
				continue
			}
			report.Partitions = append(report.Partitions, snap)
		}
	}
	if err := writeReport(out, report); err != nil {
		return stop(err)
	}
	return stop(nil)
}

func writeReport(out io.Writer, r Report) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := fmt.Fprintf(out, "=== Simulation Report ===\n%s\n", data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// runWorker connects to the coordinator and serves job partitions until the
// coordinator goes away or ctx is cancelled.
func runWorker(ctx context.Context, cfg Config, snapshots store.Store, log logrus.FieldLogger) error {
	wc := cfg.Worker
	w := node.NewWorker(node.WorkerConfig{
		CoordinatorAddr:   wc.Coordinator,
		Retries:           wc.Retries,
		RetryDelay:        wc.RetryDelay,
		HeartbeatInterval: wc.HeartbeatInterval,
		WriteTimeout:      wc.WriteTimeout,
		IdleTimeout:       wc.IdleTimeout,
	}, snapshots, log)
	err := w.Run(ctx)
	stats := w.Stats()
	log.Infof("worker %s done: %+v", w.ID(), stats)
	return err
}

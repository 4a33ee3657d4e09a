package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/netlist-sim/distsim/sim/components" // built-in component kinds
	"github.com/netlist-sim/distsim/sim/store"
)

var (
	// Global flags
	configPath string // YAML config file
	envFile    string // dotenv file loaded before DISTSIM_* overrides
	logLevel   string // Log verbosity level

	// CLI flags for `coordinator`
	listenAddr     string        // TCP listen address
	numWorkers     int           // Workers to wait for before submitting
	endTime        int64         // Simulation end time (negative: until idle)
	netlistYAML    string        // YAML netlist
	componentsFile string        // Text netlist: component declarations
	connectionFile string        // Text netlist: connections
	heartbeat      time.Duration // Coordinator ping period

	// CLI flags for `worker`
	coordinatorAddr string        // Coordinator address to dial
	idleTimeout     time.Duration // Partition idle timeout
	redisURL        string        // Snapshot store
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "distsim",
	Short: "Distributed discrete-event simulator for component netlists",
}

// coordinatorCmd partitions a netlist across workers and routes their events
var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Serve workers, partition the netlist across them and run one job",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, closeLog := setup(cmd)
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Only a shared store lets the coordinator read the workers' snapshots.
		var snapshots store.Store
		if cfg.Snapshot.RedisURL != "" {
			st, err := openStore(ctx, cfg.Snapshot)
			if err != nil {
				log.Fatalf("snapshot store: %v", err)
			}
			defer st.Close()
			snapshots = st
		}
		if err := runCoordinator(ctx, cfg, snapshots, os.Stdout, log); err != nil {
			log.Fatalf("coordinator: %v", err)
		}
		log.Info("Simulation complete.")
	},
}

// workerCmd runs job partitions handed out by a coordinator
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Connect to a coordinator and simulate the partitions it assigns",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, closeLog := setup(cmd)
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Snapshot)
		if err != nil {
			log.Fatalf("snapshot store: %v", err)
		}
		defer st.Close()
		if err := runWorker(ctx, cfg, st, log); err != nil {
			log.Fatalf("worker: %v", err)
		}
	},
}

// setup loads the layered config, applies the flags the user set and builds
// the logger. Configuration errors are fatal.
func setup(cmd *cobra.Command) (Config, *logrus.Logger, func()) {
	cfg, err := loadConfig(configPath, envFile)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	applyFlags(cmd, &cfg)
	log, closer, err := newLogger(cfg.Log)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	return cfg, log, func() {
		if err := closer(); err != nil {
			logrus.Errorf("close log file: %v", err)
		}
	}
}

// applyFlags overrides cfg with every flag set on the command line. Unset
// flags never clobber values from the file or the environment.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("log") {
		cfg.Log.Level = logLevel
	}
	if changed("listen") {
		cfg.Coordinator.Listen = listenAddr
	}
	if changed("workers") {
		cfg.Coordinator.Workers = numWorkers
	}
	if changed("end-time") {
		cfg.Coordinator.EndTime = endTime
	}
	if changed("netlist") {
		cfg.Coordinator.Netlist.YAML = netlistYAML
	}
	if changed("components") {
		cfg.Coordinator.Netlist.Components = componentsFile
	}
	if changed("connections") {
		cfg.Coordinator.Netlist.Connections = connectionFile
	}
	if changed("heartbeat") {
		cfg.Coordinator.HeartbeatInterval = heartbeat
	}
	if changed("coordinator") {
		cfg.Worker.Coordinator = coordinatorAddr
	}
	if changed("idle-timeout") {
		cfg.Worker.IdleTimeout = idleTimeout
	}
	if changed("redis-url") {
		cfg.Snapshot.RedisURL = redisURL
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before DISTSIM_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL of the snapshot store (empty: in-memory)")

	coordinatorCmd.Flags().StringVar(&listenAddr, "listen", ":7777", "TCP listen address")
	coordinatorCmd.Flags().IntVar(&numWorkers, "workers", 1, "Number of workers to wait for before submitting the job")
	coordinatorCmd.Flags().Int64Var(&endTime, "end-time", -1, "Simulation end time (negative runs until every partition is idle)")
	coordinatorCmd.Flags().StringVar(&netlistYAML, "netlist", "", "YAML netlist file")
	coordinatorCmd.Flags().StringVar(&componentsFile, "components", "", "Text netlist: component declarations")
	coordinatorCmd.Flags().StringVar(&connectionFile, "connections", "", "Text netlist: connections")
	coordinatorCmd.Flags().DurationVar(&heartbeat, "heartbeat", 5*time.Second, "Worker ping period (0 disables)")

	workerCmd.Flags().StringVar(&coordinatorAddr, "coordinator", "localhost:7777", "Coordinator address")
	workerCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 2*time.Second, "End a partition whose buffer stays empty this long")

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
}

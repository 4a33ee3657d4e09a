package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override, e.g. DISTSIM_WORKER_COORDINATOR.
const envPrefix = "distsim"

// Config is the full distsim.yaml structure.
// All sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Log         LogConfig         `yaml:"log" envconfig:"log"`
	Coordinator CoordinatorConfig `yaml:"coordinator" envconfig:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker" envconfig:"worker"`
	Snapshot    SnapshotConfig    `yaml:"snapshot" envconfig:"snapshot"`
}

// LogConfig selects the logrus level, formatter and destination.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"` // "text" or "json"
	File   string `yaml:"file" envconfig:"file"`     // empty logs to stderr
}

// CoordinatorConfig configures `distsim coordinator`.
type CoordinatorConfig struct {
	Listen            string        `yaml:"listen" envconfig:"listen"`
	Workers           int           `yaml:"workers" envconfig:"workers"`
	WaitTimeout       time.Duration `yaml:"wait_timeout" envconfig:"wait_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	Retries           uint64        `yaml:"retries" envconfig:"retries"`
	RetryDelay        time.Duration `yaml:"retry_delay" envconfig:"retry_delay"`
	EndTime           int64         `yaml:"end_time" envconfig:"end_time"` // negative runs until every worker is idle
	Netlist           NetlistConfig `yaml:"netlist" envconfig:"netlist"`
}

// NetlistConfig names either a YAML netlist or the pair of text files.
type NetlistConfig struct {
	YAML        string `yaml:"yaml" envconfig:"yaml"`
	Components  string `yaml:"components" envconfig:"components"`
	Connections string `yaml:"connections" envconfig:"connections"`
}

// WorkerConfig configures `distsim worker`.
type WorkerConfig struct {
	Coordinator       string        `yaml:"coordinator" envconfig:"coordinator"`
	Retries           uint64        `yaml:"retries" envconfig:"retries"`
	RetryDelay        time.Duration `yaml:"retry_delay" envconfig:"retry_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
}

// SnapshotConfig selects where workers save final component states.
// An empty RedisURL keeps snapshots in worker memory.
type SnapshotConfig struct {
	RedisURL string        `yaml:"redis_url" envconfig:"redis_url"`
	TTL      time.Duration `yaml:"ttl" envconfig:"ttl"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Coordinator: CoordinatorConfig{
			Listen:            ":7777",
			Workers:           1,
			WaitTimeout:       time.Minute,
			HeartbeatInterval: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			Retries:           5,
			RetryDelay:        time.Second,
			EndTime:           -1,
		},
		Worker: WorkerConfig{
			Coordinator:  "localhost:7777",
			Retries:      5,
			RetryDelay:   time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  2 * time.Second,
		},
		Snapshot: SnapshotConfig{TTL: 24 * time.Hour},
	}
}

// loadConfig layers, lowest first: defaults, the YAML file at path (if any),
// variables from envFile, then DISTSIM_* environment variables. A missing
// envFile is not an error. Flags are applied by the caller.
func loadConfig(path, envFile string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// decodeConfig parses YAML with strict field checking: typos must cause errors.
func decodeConfig(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

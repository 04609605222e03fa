package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Swarm     SwarmConfig                 `yaml:"swarm"`
	Workers   map[string]WorkerDefinition `yaml:"workers"`
	Container ContainerConfig             `yaml:"container"`
	NATS      NATSConfig                  `yaml:"nats"`
	Store     StoreConfig                 `yaml:"store"`
	Web       WebConfig                   `yaml:"web"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Vault     VaultConfig                 `yaml:"vault"`
}

type SwarmConfig struct {
	MaxAgents      int           `yaml:"max_agents"`
	Topology       string        `yaml:"topology"`
	Backend        string        `yaml:"backend"` // "local", "nats" or "container"
	VoteTimeout    time.Duration `yaml:"vote_timeout"`
	SpawnTimeout   time.Duration `yaml:"spawn_timeout"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

// WorkerDefinition overrides the default capability set (and container
// image) of a worker type.
type WorkerDefinition struct {
	Capabilities []string          `yaml:"capabilities"`
	Image        string            `yaml:"image"`
	Env          map[string]string `yaml:"env"`
}

type ContainerConfig struct {
	Image        string        `yaml:"image"`
	Network      string        `yaml:"network"`
	NATSURL      string        `yaml:"nats_url"` // as seen from inside containers
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Mounts       []Mount       `yaml:"mounts"`
}

// Mount is a host path bound into every worker container.
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	SnapshotSchedule string        `yaml:"snapshot_schedule"` // empty disables snapshots
	SnapshotKeep     int           `yaml:"snapshot_keep"`
}

// VaultConfig holds the passphrase that opens "enc:" values in worker env.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Swarm: SwarmConfig{
			MaxAgents:      8,
			Topology:       "hierarchical",
			Backend:        "nats",
			VoteTimeout:    5 * time.Second,
			SpawnTimeout:   30 * time.Second,
			ExecuteTimeout: 15 * time.Minute,
		},
		Workers: map[string]WorkerDefinition{},
		Container: ContainerConfig{
			Image:        "solomon-worker:latest",
			Network:      "solomon-net",
			ReadyTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/solomon.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval:     30 * time.Second,
			SnapshotSchedule: "*/5 * * * *",
			SnapshotKeep:     288,
		},
	}
}

// Path returns the config file location, honoring SOLOMON_CONFIG.
func Path() string {
	if path := os.Getenv("SOLOMON_CONFIG"); path != "" {
		return path
	}
	return "config/solomon.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Swarm.MaxAgents < 1 {
		return fmt.Errorf("swarm.max_agents must be at least 1, got %d", c.Swarm.MaxAgents)
	}
	switch c.Swarm.Backend {
	case "local", "nats", "container":
	default:
		return fmt.Errorf("unknown swarm.backend %q", c.Swarm.Backend)
	}
	switch c.Swarm.Topology {
	case "", "hierarchical", "mesh", "ring", "star":
	default:
		return fmt.Errorf("unknown swarm.topology %q", c.Swarm.Topology)
	}
	for name, d := range map[string]time.Duration{
		"swarm.vote_timeout":    c.Swarm.VoteTimeout,
		"swarm.spawn_timeout":   c.Swarm.SpawnTimeout,
		"swarm.execute_timeout": c.Swarm.ExecuteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if expr := c.Scheduler.SnapshotSchedule; expr != "" && !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid scheduler.snapshot_schedule %q", expr)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SOLOMON_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
	if v := os.Getenv("SOLOMON_TOPOLOGY"); v != "" {
		cfg.Swarm.Topology = v
	}
	if v := os.Getenv("SOLOMON_BACKEND"); v != "" {
		cfg.Swarm.Backend = v
	}
	if v := os.Getenv("SOLOMON_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SOLOMON_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SOLOMON_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SOLOMON_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SOLOMON_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}

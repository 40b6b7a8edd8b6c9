// Package config holds the file-driven configuration of a quorum
// node: cluster membership, protocol flavor, durability and the
// operational surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// Config is the root configuration of one node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Logger  LoggerConfig  `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig describes the node's identity and protocol timing.
type NodeConfig struct {
	ID uint64 `yaml:"id"`

	// ProposeTimeout bounds one replication round.
	ProposeTimeout time.Duration `yaml:"propose_timeout"`

	// ElectionTimeout is the base idle interval before a follower
	// campaigns; each wait is randomized up to twice this value.
	// Election flavor only.
	ElectionTimeout time.Duration `yaml:"election_timeout"`
}

// ClusterConfig describes membership and the protocol flavor.
type ClusterConfig struct {
	// Flavor is "election" or "two-phase".
	Flavor string `yaml:"flavor"`

	// Coordinator names the fixed proposer, two-phase flavor only.
	Coordinator uint64 `yaml:"coordinator"`

	Nodes []uint64 `yaml:"nodes"`
}

// StorageConfig covers the write-ahead log.
type StorageConfig struct {
	// WALDir is the write-ahead log directory; empty runs in-memory.
	WALDir string `yaml:"wal_dir"`
}

// LoggerConfig controls logrus output.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig covers the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddress serves /metrics when non-empty.
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a baseline development config: a three node
// two-phase cluster, first node coordinating.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:              1,
			ProposeTimeout:  time.Second,
			ElectionTimeout: 300 * time.Millisecond,
		},
		Cluster: ClusterConfig{
			Flavor:      "two-phase",
			Coordinator: 1,
			Nodes:       []uint64{1, 2, 3},
		},
		Logger: LoggerConfig{
			Level: "debug",
			JSON:  false,
		},
		Metrics: MetricsConfig{
			ListenAddress: "",
		},
	}
}

// Load reads a YAML config from path. A missing file yields Default.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("config file %s not found, using defaults", path)
			return Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the cross-field constraints a YAML schema cannot.
func (cfg *Config) Validate() error {
	if len(cfg.Cluster.Nodes) == 0 {
		return fmt.Errorf("config: cluster has no nodes")
	}
	found := false
	for _, id := range cfg.Cluster.Nodes {
		if id == cfg.Node.ID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config: node %d not in cluster %v",
			cfg.Node.ID, cfg.Cluster.Nodes)
	}

	switch cfg.Cluster.Flavor {
	case "election":
		if cfg.Node.ElectionTimeout <= 0 {
			return fmt.Errorf("config: election flavor needs election_timeout")
		}
	case "two-phase":
		coordinatorKnown := false
		for _, id := range cfg.Cluster.Nodes {
			if id == cfg.Cluster.Coordinator {
				coordinatorKnown = true
			}
		}
		if !coordinatorKnown {
			return fmt.Errorf("config: coordinator %d not in cluster %v",
				cfg.Cluster.Coordinator, cfg.Cluster.Nodes)
		}
	default:
		return fmt.Errorf("config: unknown flavor %q", cfg.Cluster.Flavor)
	}

	if cfg.Node.ProposeTimeout <= 0 {
		return fmt.Errorf("config: propose_timeout must be positive")
	}
	return nil
}

// SetupLogger applies the logger section to the global logrus logger.
func (cfg *Config) SetupLogger() {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Logger.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

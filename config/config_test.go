package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.Node.ID != want.Node.ID || cfg.Cluster.Flavor != want.Cluster.Flavor {
		t.Fatalf("got %+v, want defaults", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	text := `
node:
  id: 2
  propose_timeout: 2s
  election_timeout: 150ms
cluster:
  flavor: election
  nodes: [1, 2, 3, 4, 5]
storage:
  wal_dir: /var/lib/quorum
logger:
  level: info
  json: true
metrics:
  listen_address: ":9090"
`
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ID != 2 || cfg.Node.ProposeTimeout != 2*time.Second {
		t.Fatalf("node section %+v", cfg.Node)
	}
	if cfg.Node.ElectionTimeout != 150*time.Millisecond {
		t.Fatalf("election timeout %v", cfg.Node.ElectionTimeout)
	}
	if cfg.Cluster.Flavor != "election" || len(cfg.Cluster.Nodes) != 5 {
		t.Fatalf("cluster section %+v", cfg.Cluster)
	}
	if cfg.Storage.WALDir != "/var/lib/quorum" {
		t.Fatalf("storage section %+v", cfg.Storage)
	}
	if cfg.Metrics.ListenAddress != ":9090" {
		t.Fatalf("metrics section %+v", cfg.Metrics)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"empty cluster", func(cfg *Config) { cfg.Cluster.Nodes = nil }, false},
		{"node not member", func(cfg *Config) { cfg.Node.ID = 9 }, false},
		{"unknown flavor", func(cfg *Config) { cfg.Cluster.Flavor = "paxos" }, false},
		{"foreign coordinator", func(cfg *Config) { cfg.Cluster.Coordinator = 9 }, false},
		{"election without timeout", func(cfg *Config) {
			cfg.Cluster.Flavor = "election"
			cfg.Node.ElectionTimeout = 0
		}, false},
		{"election", func(cfg *Config) { cfg.Cluster.Flavor = "election" }, true},
		{"zero propose timeout", func(cfg *Config) { cfg.Node.ProposeTimeout = 0 }, false},
	}

	for _, tt := range tests {
		cfg := base()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v, want ok: %v", tt.name, err, tt.ok)
		}
	}
}

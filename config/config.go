// Package config loads and validates the cluster-wide configuration of spec
// §6 from YAML, plus the ambient options (logging, metrics, persistence
// backend) a deployable binary needs on top of it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/quorumkv/rabia/rabia"
)

// Peer names one cluster member other than self.
type Peer struct {
	ID      rabia.NodeId
	Address string
}

// Config is the full set of options a rabiad process needs to start.
type Config struct {
	ClusterSize int
	SelfID      rabia.NodeId
	ListenAddr  string
	Peers       []Peer

	// QuorumSize overrides the default floor(N/2)+1 quorum. Zero means
	// "use the default."
	QuorumSize int

	RetentionWindow   int
	FutureWindow      uint64
	SnapshotInterval  uint64
	PhaseTimeout      time.Duration
	SyncTimeout       time.Duration
	HeartbeatInterval time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxFailedAttempts int

	// Ambient options beyond spec §6's core list.
	LogLevel       string // debug|info|warn|error
	LogFormat      string // text|json
	MetricsAddr    string // empty disables the /metrics handler
	PersistBackend string // memory|pebble
	PersistDir     string // required when persist_backend=pebble
}

// document is the YAML wire shape. NodeIds are plain strings on disk (a
// UUID's canonical text form) since gopkg.in/yaml.v3 does not use
// encoding.TextUnmarshaler for arbitrary types; Load converts document into
// Config, parsing each id explicitly.
type document struct {
	ClusterSize int `yaml:"cluster_size"`
	SelfID      string `yaml:"self_id"`
	ListenAddr  string `yaml:"listen_addr"`
	Peers       []struct {
		ID      string `yaml:"id"`
		Address string `yaml:"address"`
	} `yaml:"peers"`

	QuorumSize int `yaml:"quorum_size"`

	RetentionWindow  int    `yaml:"retention_window"`
	FutureWindow     uint64 `yaml:"future_phase_window"`
	SnapshotInterval uint64 `yaml:"snapshot_interval"`

	// Durations are plain strings on disk ("10s", "500ms"), parsed with
	// time.ParseDuration: yaml.v3 has no built-in notion of a duration, only
	// of the scalar types it already knows.
	PhaseTimeout      string `yaml:"phase_timeout"`
	SyncTimeout       string `yaml:"sync_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	InitialBackoff    string `yaml:"initial_backoff"`
	MaxBackoff        string `yaml:"max_backoff"`

	MaxFailedAttempts int `yaml:"max_failed_attempts"`

	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsAddr    string `yaml:"metrics_addr"`
	PersistBackend string `yaml:"persist_backend"`
	PersistDir     string `yaml:"persist_dir"`
}

// Defaults returns a Config with every documented default applied (spec
// §6) and no cluster identity set; callers must still fill ClusterSize,
// SelfID, and Peers.
func Defaults() Config {
	return Config{
		RetentionWindow:   1024,
		FutureWindow:      8,
		SnapshotInterval:  10_000,
		PhaseTimeout:      10 * time.Second,
		SyncTimeout:       5 * time.Second,
		HeartbeatInterval: time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		MaxFailedAttempts: 10,
		LogLevel:          "info",
		LogFormat:         "text",
		PersistBackend:    "memory",
	}
}

// Encode renders cfg as the YAML document Parse expects, for rabiad genesis
// to write out one file per node.
func Encode(cfg Config) ([]byte, error) {
	doc := document{
		ClusterSize:       cfg.ClusterSize,
		SelfID:            cfg.SelfID.String(),
		ListenAddr:        cfg.ListenAddr,
		QuorumSize:        cfg.QuorumSize,
		RetentionWindow:   cfg.RetentionWindow,
		FutureWindow:      cfg.FutureWindow,
		SnapshotInterval:  cfg.SnapshotInterval,
		PhaseTimeout:      cfg.PhaseTimeout.String(),
		SyncTimeout:       cfg.SyncTimeout.String(),
		HeartbeatInterval: cfg.HeartbeatInterval.String(),
		InitialBackoff:    cfg.InitialBackoff.String(),
		MaxBackoff:        cfg.MaxBackoff.String(),
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		LogLevel:          cfg.LogLevel,
		LogFormat:         cfg.LogFormat,
		MetricsAddr:       cfg.MetricsAddr,
		PersistBackend:    cfg.PersistBackend,
		PersistDir:        cfg.PersistDir,
	}
	for _, p := range cfg.Peers {
		doc.Peers = append(doc.Peers, struct {
			ID      string `yaml:"id"`
			Address string `yaml:"address"`
		}{ID: p.ID.String(), Address: p.Address})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: encoding yaml: %w", err)
	}
	return out, nil
}

// Load reads and parses a YAML config file at path, applies defaults for any
// option the document omitted, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses a YAML document already read into memory. Exposed separately
// from Load so tests and embedders don't need a real file.
func Parse(raw []byte) (Config, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: parsing yaml: %w", err)
	}

	cfg := Defaults()
	cfg.ClusterSize = doc.ClusterSize
	cfg.ListenAddr = doc.ListenAddr
	cfg.QuorumSize = doc.QuorumSize

	if doc.SelfID != "" {
		id, err := uuid.Parse(doc.SelfID)
		if err != nil {
			return Config{}, fmt.Errorf("config: self_id: %w", err)
		}
		cfg.SelfID = id
	}

	for _, p := range doc.Peers {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return Config{}, fmt.Errorf("config: peer id %q: %w", p.ID, err)
		}
		cfg.Peers = append(cfg.Peers, Peer{ID: id, Address: p.Address})
	}

	if doc.RetentionWindow != 0 {
		cfg.RetentionWindow = doc.RetentionWindow
	}
	if doc.FutureWindow != 0 {
		cfg.FutureWindow = doc.FutureWindow
	}
	if doc.SnapshotInterval != 0 {
		cfg.SnapshotInterval = doc.SnapshotInterval
	}
	for _, pair := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{doc.PhaseTimeout, &cfg.PhaseTimeout, "phase_timeout"},
		{doc.SyncTimeout, &cfg.SyncTimeout, "sync_timeout"},
		{doc.HeartbeatInterval, &cfg.HeartbeatInterval, "heartbeat_interval"},
		{doc.InitialBackoff, &cfg.InitialBackoff, "initial_backoff"},
		{doc.MaxBackoff, &cfg.MaxBackoff, "max_backoff"},
	} {
		if pair.raw == "" {
			continue
		}
		d, err := time.ParseDuration(pair.raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", pair.name, err)
		}
		*pair.dst = d
	}

	if doc.MaxFailedAttempts != 0 {
		cfg.MaxFailedAttempts = doc.MaxFailedAttempts
	}
	if doc.LogLevel != "" {
		cfg.LogLevel = doc.LogLevel
	}
	if doc.LogFormat != "" {
		cfg.LogFormat = doc.LogFormat
	}
	if doc.PersistBackend != "" {
		cfg.PersistBackend = doc.PersistBackend
	}
	cfg.MetricsAddr = doc.MetricsAddr
	cfg.PersistDir = doc.PersistDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultQuorum returns floor(N/2)+1 for a cluster of n nodes.
func DefaultQuorum(n int) int {
	return n/2 + 1
}

// Validate rejects a Config that cannot safely start (spec §7:
// "Configuration errors (fatal at startup): missing peer ... invalid quorum
// override.").
func (c Config) Validate() error {
	if c.ClusterSize <= 0 {
		return fmt.Errorf("config: cluster_size must be positive, got %d", c.ClusterSize)
	}
	if c.SelfID == (rabia.NodeId{}) {
		return fmt.Errorf("config: self_id is required")
	}
	if len(c.Peers)+1 != c.ClusterSize {
		return fmt.Errorf("config: cluster_size=%d but %d peers plus self were given", c.ClusterSize, len(c.Peers))
	}
	seen := map[rabia.NodeId]bool{c.SelfID: true}
	for _, p := range c.Peers {
		if p.ID == (rabia.NodeId{}) {
			return fmt.Errorf("config: peer entry missing id")
		}
		if p.Address == "" {
			return fmt.Errorf("config: peer %s missing address", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer id %s", p.ID)
		}
		seen[p.ID] = true
	}

	if c.QuorumSize != 0 {
		minQuorum := DefaultQuorum(c.ClusterSize)
		if c.QuorumSize < minQuorum {
			return fmt.Errorf("config: quorum_size=%d is below the minimum safe quorum %d for cluster_size=%d", c.QuorumSize, minQuorum, c.ClusterSize)
		}
	}

	switch c.PersistBackend {
	case "memory":
	case "pebble":
		if c.PersistDir == "" {
			return fmt.Errorf("config: persist_backend=pebble requires persist_dir")
		}
	default:
		return fmt.Errorf("config: unrecognized persist_backend %q", c.PersistBackend)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unrecognized log_format %q", c.LogFormat)
	}

	return nil
}

// Quorum returns the effective quorum size: QuorumSize if set, else the
// default floor(N/2)+1.
func (c Config) Quorum() int {
	if c.QuorumSize != 0 {
		return c.QuorumSize
	}
	return DefaultQuorum(c.ClusterSize)
}

// Package config loads the substrate's settings surface: the knobs external
// collaborators tune (schema version, size bounds, MAC key, eviction policy)
// plus the paths and intervals needed to construct the subsystems. Loading
// goes through viper so a YAML file and SUBSTRATE_-prefixed environment
// variables compose the same way an operator would expect from any deployed
// service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved settings surface.
type Config struct {
	// DataDir roots every durable artifact; the per-subsystem dirs below
	// default to subdirectories of it.
	DataDir string
	// ReplayRoot is the tree WAL records resolve under.
	ReplayRoot string

	SchemaVersion int
	MaxSizeBytes  int64
	HMACKey       string

	TTL        time.Duration
	MaxEntries int

	AuditMaxSizeBytes    int64
	WALMaxSegmentBytes   int64
	WALMaxSegmentEntries int

	// RetentionMaxAge bounds how long quarantine files, archived audit files,
	// and rotated WAL segments are kept before garbage collection.
	RetentionMaxAge time.Duration

	SyncInterval      time.Duration
	SyncJitter        time.Duration
	EvictInterval     time.Duration
	GCInterval        time.Duration
	ReconcileInterval time.Duration

	// ObjectStoreDir and VersionControlDir are where the two WAL cursors
	// mirror records. Both downstreams are external collaborators; the
	// substrate only drains toward them.
	ObjectStoreDir    string
	VersionControlDir string

	MetricsAddr string

	// Timeout-enforcement policy, loaded and re-exposed for the external
	// collaborator that interprets it. The substrate itself never reads
	// these past this struct.
	TrustedModels    []string
	HardFloorMinutes int
	MinMinutes       int
	WarnBelowMinutes int
}

// Load reads configuration from path (optional; empty means defaults plus
// environment only) and the SUBSTRATE_ environment namespace.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBSTRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("replay_root", "./data/tree")
	v.SetDefault("schema_version", 1)
	v.SetDefault("max_size_bytes", 10*1024*1024)
	v.SetDefault("hmac_key", "")
	v.SetDefault("idempotency.ttl_ms", int64(7*24*time.Hour/time.Millisecond))
	v.SetDefault("idempotency.max_entries", 10_000)
	v.SetDefault("audit.max_size_bytes", 8*1024*1024)
	v.SetDefault("wal.max_segment_bytes", 8*1024*1024)
	v.SetDefault("wal.max_segment_entries", 50_000)
	v.SetDefault("retention_max_age_hours", 7*24)
	v.SetDefault("scheduler.sync_interval_ms", int64(30_000))
	v.SetDefault("scheduler.sync_jitter_ms", int64(5_000))
	v.SetDefault("scheduler.evict_interval_ms", int64(time.Hour/time.Millisecond))
	v.SetDefault("scheduler.gc_interval_ms", int64(6*time.Hour/time.Millisecond))
	v.SetDefault("scheduler.reconcile_interval_ms", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("object_store_dir", "./data/mirror/object-store")
	v.SetDefault("version_control_dir", "./data/mirror/version-control")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("timeouts.trusted_models", []string{})
	v.SetDefault("timeouts.hard_floor_minutes", 5)
	v.SetDefault("timeouts.min_minutes", 10)
	v.SetDefault("timeouts.warn_below_minutes", 15)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		DataDir:              v.GetString("data_dir"),
		ReplayRoot:           v.GetString("replay_root"),
		SchemaVersion:        v.GetInt("schema_version"),
		MaxSizeBytes:         v.GetInt64("max_size_bytes"),
		HMACKey:              v.GetString("hmac_key"),
		TTL:                  time.Duration(v.GetInt64("idempotency.ttl_ms")) * time.Millisecond,
		MaxEntries:           v.GetInt("idempotency.max_entries"),
		AuditMaxSizeBytes:    v.GetInt64("audit.max_size_bytes"),
		WALMaxSegmentBytes:   v.GetInt64("wal.max_segment_bytes"),
		WALMaxSegmentEntries: v.GetInt("wal.max_segment_entries"),
		RetentionMaxAge:      time.Duration(v.GetInt64("retention_max_age_hours")) * time.Hour,
		SyncInterval:         time.Duration(v.GetInt64("scheduler.sync_interval_ms")) * time.Millisecond,
		SyncJitter:           time.Duration(v.GetInt64("scheduler.sync_jitter_ms")) * time.Millisecond,
		EvictInterval:        time.Duration(v.GetInt64("scheduler.evict_interval_ms")) * time.Millisecond,
		GCInterval:           time.Duration(v.GetInt64("scheduler.gc_interval_ms")) * time.Millisecond,
		ReconcileInterval:    time.Duration(v.GetInt64("scheduler.reconcile_interval_ms")) * time.Millisecond,
		ObjectStoreDir:       v.GetString("object_store_dir"),
		VersionControlDir:    v.GetString("version_control_dir"),
		MetricsAddr:          v.GetString("metrics_addr"),
		TrustedModels:        v.GetStringSlice("timeouts.trusted_models"),
		HardFloorMinutes:     v.GetInt("timeouts.hard_floor_minutes"),
		MinMinutes:           v.GetInt("timeouts.min_minutes"),
		WarnBelowMinutes:     v.GetInt("timeouts.warn_below_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SchemaVersion < 1 {
		return fmt.Errorf("config: schema_version must be >= 1, got %d", c.SchemaVersion)
	}
	if c.MaxSizeBytes <= 0 {
		return fmt.Errorf("config: max_size_bytes must be positive, got %d", c.MaxSizeBytes)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("config: idempotency.max_entries must be positive, got %d", c.MaxEntries)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("config: idempotency.ttl_ms must be positive, got %s", c.TTL)
	}
	if c.RetentionMaxAge <= 0 {
		return fmt.Errorf("config: retention_max_age_hours must be positive, got %s", c.RetentionMaxAge)
	}
	return nil
}

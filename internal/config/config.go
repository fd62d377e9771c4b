// Package config loads and validates the node configuration file. The
// struct tree, Defaults/Load/Validate shape, and accumulated-error-string
// style are adapted directly from the teacher's internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration: the recognized runtime options
// plus the ambient node identity, storage, observability, and
// dispatcher settings a runnable node needs.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`
	NodeID        string `yaml:"node_id"`

	Listen        ListenConfig        `yaml:"listen"`
	Limits        LimitsConfig        `yaml:"limits"`
	Memory        MemoryConfig        `yaml:"memory"`
	Retry         RetryConfig         `yaml:"retry"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ListenConfig carries the Dispatcher's bind address and optional mTLS
// material for the gRPC listener.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// LimitsConfig is the limits.* group.
type LimitsConfig struct {
	// EventBroadcastCapacity is the ring buffer size for connect streams.
	EventBroadcastCapacity int `yaml:"event_broadcast_capacity"`
	// EventHistorySize is the replay buffer size on connect.
	EventHistorySize int `yaml:"event_history_size"`
	// EpochTicks is the engine epoch deadline, in ticks.
	EpochTicks int `yaml:"epoch_ticks"`
	// MaxOplogQueryPageSize bounds get-oplog / search-oplog pages.
	MaxOplogQueryPageSize int `yaml:"max_oplog_query_page_size"`
}

// MemoryConfig is the memory.* group.
type MemoryConfig struct {
	// WorkerEstimateCoefficient is k in the admission byte estimate
	// k*(linear_memory + 2*component_size).
	WorkerEstimateCoefficient float64 `yaml:"worker_estimate_coefficient"`
	// PoolCapacityBytes is the Admission Pool's total byte budget.
	PoolCapacityBytes int64 `yaml:"pool_capacity_bytes"`

	OOMRetry RetryPolicyConfig `yaml:"oom_retry_config"`
}

// RetryConfig is the retry default for guest errors.
type RetryConfig struct {
	Default RetryPolicyConfig `yaml:"default"`
}

// RetryPolicyConfig mirrors oplog.RetryPolicy in YAML-friendly form.
type RetryPolicyConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// StorageConfig locates the oplog/metadata BoltDB file.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig controls logging and the metrics server.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DefaultDBPath is the default BoltDB file location.
const DefaultDBPath = "/var/lib/workerd/node.db"

// Defaults returns a Config populated with the built-in defaults, the
// same way the teacher's Defaults() seeds every nested struct before
// YAML unmarshalling overrides fields present in the file.
func Defaults() *Config {
	return &Config{
		SchemaVersion: "1",
		NodeID:        "",

		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},

		Limits: LimitsConfig{
			EventBroadcastCapacity: 256,
			EventHistorySize:       1024,
			EpochTicks:             10000,
			MaxOplogQueryPageSize:  500,
		},

		Memory: MemoryConfig{
			WorkerEstimateCoefficient: 1.5,
			PoolCapacityBytes:         4 << 30, // 4 GiB
			OOMRetry: RetryPolicyConfig{
				MinDelay:    250 * time.Millisecond,
				MaxDelay:    1 * time.Minute,
				Multiplier:  2.0,
				Jitter:      0.3,
				MaxAttempts: 0, // retried forever
			},
		},

		Retry: RetryConfig{
			Default: RetryPolicyConfig{
				MinDelay:    100 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				Multiplier:  2.0,
				Jitter:      0.2,
				MaxAttempts: 5,
			},
		},

		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},

		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate accumulates every violation it finds (rather than returning
// on the first) so an operator sees the whole list in one pass, the
// same approach as the teacher's Validate.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version: unsupported value %q, expected \"1\"", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id: must not be empty")
	}
	if cfg.Listen.Port <= 0 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port: %d out of range [1,65535]", cfg.Listen.Port))
	}
	if (cfg.Listen.TLSCertFile == "") != (cfg.Listen.TLSKeyFile == "") {
		errs = append(errs, "listen.tls_cert_file and listen.tls_key_file must be set together")
	}

	if cfg.Limits.EventBroadcastCapacity < 1 {
		errs = append(errs, "limits.event_broadcast_capacity: must be >= 1")
	}
	if cfg.Limits.EventHistorySize < 0 {
		errs = append(errs, "limits.event_history_size: must be >= 0")
	}
	if cfg.Limits.EpochTicks < 1 {
		errs = append(errs, "limits.epoch_ticks: must be >= 1")
	}
	if cfg.Limits.MaxOplogQueryPageSize < 1 {
		errs = append(errs, "limits.max_oplog_query_page_size: must be >= 1")
	}

	if cfg.Memory.WorkerEstimateCoefficient <= 0 {
		errs = append(errs, "memory.worker_estimate_coefficient: must be > 0")
	}
	if cfg.Memory.PoolCapacityBytes < 1 {
		errs = append(errs, "memory.pool_capacity_bytes: must be >= 1")
	}
	errs = append(errs, validateRetryPolicy("memory.oom_retry_config", cfg.Memory.OOMRetry)...)

	errs = append(errs, validateRetryPolicy("retry.default", cfg.Retry.Default)...)

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path: must not be empty")
	}

	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format: unsupported value %q, expected \"json\" or \"console\"", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func validateRetryPolicy(field string, p RetryPolicyConfig) []string {
	var errs []string
	if p.MinDelay <= 0 {
		errs = append(errs, fmt.Sprintf("%s.min_delay: must be > 0", field))
	}
	if p.MaxDelay < p.MinDelay {
		errs = append(errs, fmt.Sprintf("%s.max_delay: must be >= min_delay", field))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("%s.multiplier: must be >= 1", field))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Sprintf("%s.jitter: must be in [0,1]", field))
	}
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("%s.max_attempts: must be >= 0", field))
	}
	return errs
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

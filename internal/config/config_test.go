package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsPassValidationOnceNodeIDIsSet(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "node-1"
	require.NoError(t, Validate(cfg))
}

func TestDefaultsFailValidationWithoutNodeID(t *testing.T) {
	cfg := Defaults()
	require.Error(t, Validate(cfg))
}

func TestValidateAccumulatesEveryViolation(t *testing.T) {
	cfg := &Config{
		SchemaVersion: "2",
		Listen:        ListenConfig{Port: -1},
		Storage:       StorageConfig{},
		Observability: ObservabilityConfig{LogFormat: "xml"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "schema_version")
	require.Contains(t, msg, "node_id")
	require.Contains(t, msg, "listen.port")
	require.Contains(t, msg, "storage.db_path")
	require.Contains(t, msg, "observability.log_format")
}

func TestValidateRejectsMismatchedTLSPair(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "node-1"
	cfg.Listen.TLSCertFile = "cert.pem"
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "tls_cert_file")
}

func TestValidateRejectsInvalidRetryPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "node-1"
	cfg.Retry.Default.MaxDelay = 0
	cfg.Retry.Default.MinDelay = 1
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "retry.default.max_delay")
}

func TestLoadParsesAndValidatesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
schema_version: "1"
node_id: node-1
listen:
  host: 0.0.0.0
  port: 9090
storage:
  db_path: /tmp/workerd-test.db
observability:
  log_format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-1", cfg.NodeID)
	// Unset nested fields keep their Defaults() seeding.
	require.Equal(t, 1.5, cfg.Memory.WorkerEstimateCoefficient)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "not: [valid: yaml")
	_, err := Load(path)
	require.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

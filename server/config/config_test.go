package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "abmonitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
monitor:
  port: 9090
  monitoring_secret: s3cret
scan:
  min_coord: -10
  max_coord: 10
optimization:
  inventory:
    endpoint: s3.example.com
    bucket: assets
    insecure: true
producer:
  url: http://producer:5000
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Monitor.Port)
	assert.Equal(t, "s3cret", cfg.Monitor.MonitoringSecret)
	assert.Equal(t, 30, cfg.Monitor.OfflineTimeout)
	assert.Equal(t, 300, cfg.Monitor.PurgeTimeout)
	assert.Equal(t, 3600, cfg.Monitor.ReportInterval)
	assert.Equal(t, -10, cfg.Scan.MinCoord)
	assert.Equal(t, 10, cfg.Scan.MaxCoord)
	assert.Equal(t, 100, cfg.Scan.BatchSize)
	assert.Equal(t, 3, cfg.Scan.Attempts)
	assert.Equal(t, 10, cfg.Optimization.ProbeConcurrency)
	assert.Equal(t, 20, cfg.Optimization.ReportConcurrency)
	assert.Equal(t, "manifest/", cfg.Optimization.Inventory.Prefix)
	assert.Equal(t, "_windows.json", cfg.Optimization.Inventory.Suffix)
	assert.True(t, cfg.Optimization.Inventory.Insecure)
	assert.Equal(t, 55, cfg.Producer.BulkTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigKeepsExplicitZeros(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
scan:
  min_coord: 0
  max_coord: 3
  batch_delay_ms: 0
optimization:
  probe_pause_ms: 0
  report_pause_ms: 0
`))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Scan.MinCoord)
	assert.Equal(t, 3, cfg.Scan.MaxCoord)
	assert.Equal(t, 0, cfg.Scan.BatchDelayMs)
	assert.Equal(t, 0, cfg.Optimization.ProbePauseMs)
	assert.Equal(t, 0, cfg.Optimization.ReportPauseMs)
	// keys absent from the file keep their defaults
	assert.Equal(t, 100, cfg.Scan.BatchSize)
	assert.Equal(t, 10, cfg.Optimization.ProbeConcurrency)
	assert.Equal(t, "manifest/", cfg.Optimization.Inventory.Prefix)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ABMONITOR_MONITORING_SECRET", "from-env")
	t.Setenv("ABMONITOR_DB_URL", "memory://")
	cfg, err := LoadConfig(writeConfig(t, "monitor:\n  monitoring_secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Monitor.MonitoringSecret)
	assert.True(t, cfg.IsMemoryDB())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Monitor.MonitoringSecret = "s"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"no secret":  func(c *Config) { c.Monitor.MonitoringSecret = "" },
		"no db":      func(c *Config) { c.Monitor.DBURL = "" },
		"empty grid": func(c *Config) { c.Scan.MinCoord, c.Scan.MaxCoord = 5, 5 },
		"no batch":   func(c *Config) { c.Scan.BatchSize = 0 },
		"bad probe":  func(c *Config) { c.Optimization.ProbeURLTemplate = "https://cdn/manifest.json" },
		"bad report": func(c *Config) { c.Optimization.ReportURLTemplate = "https://cdn/report.json" },
		"no port":    func(c *Config) { c.Monitor.Port = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds(30))
	assert.Equal(t, 200*time.Millisecond, Milliseconds(200))
}

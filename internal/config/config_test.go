package config

import (
	"os"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return tmp.Name()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend != "postgresql" {
		t.Fatalf("unexpected backend: %s", cfg.Backend)
	}
	if cfg.DSN == "" {
		t.Fatalf("unexpected DSN: %s", cfg.DSN)
	}
	if cfg.Probe.Concurrency != probeConcurrencyDefault {
		t.Fatalf("unexpected probe concurrency: %d", cfg.Probe.Concurrency)
	}
	if cfg.Model.Name != modelNameDefault || cfg.Model.L2 != modelL2Default {
		t.Fatalf("unexpected model defaults: %+v", cfg.Model)
	}
	if cfg.Training.Table != trainingTableDefault {
		t.Fatalf("unexpected training table: %s", cfg.Training.Table)
	}
	if len(cfg.Training.OutlierNodeTypes) != 1 || cfg.Training.OutlierNodeTypes[0] != "BitmapAnd" {
		t.Fatalf("unexpected outlier types: %v", cfg.Training.OutlierNodeTypes)
	}
	if cfg.Logging.LogFile != "logs/hintpilot.log" {
		t.Fatalf("unexpected log file: %s", cfg.Logging.LogFile)
	}
	if cfg.Storage.CloudEnabled() {
		t.Fatalf("cloud storage should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	content := `backend: TiDB
dsn: "root:@tcp(127.0.0.1:4000)/?charset=utf8mb4"
database: stats
probe:
  concurrency: 4
model:
  name: tidb_bao
  needs_cache: true
training:
  one_shot: true
  max_queries: 10
selection:
  cache_ttl_seconds: 30
storage:
  s3:
    enabled: true
    bucket: models
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend != "tidb" {
		t.Fatalf("backend should be normalized, got %s", cfg.Backend)
	}
	if cfg.DSN != "root:@tcp(127.0.0.1:4000)/stats?charset=utf8mb4" {
		t.Fatalf("database not injected into dsn: %s", cfg.DSN)
	}
	if cfg.Probe.Concurrency != 4 || cfg.Model.Name != "tidb_bao" || !cfg.Model.NeedsCache {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.Probe, cfg.Model)
	}
	if !cfg.Training.OneShot || cfg.Training.MaxQueries != 10 {
		t.Fatalf("unexpected training overrides: %+v", cfg.Training)
	}
	if len(cfg.Training.OutlierNodeTypes) != 0 {
		t.Fatalf("tidb has no default outlier types, got %v", cfg.Training.OutlierNodeTypes)
	}
	if cfg.Selection.CacheTTLSeconds != 30 {
		t.Fatalf("unexpected cache ttl: %d", cfg.Selection.CacheTTLSeconds)
	}
	if !cfg.Storage.CloudEnabled() || cfg.Storage.S3.Bucket != "models" {
		t.Fatalf("unexpected storage: %+v", cfg.Storage)
	}
}

func TestNormalizeOutOfRange(t *testing.T) {
	cfg := Config{
		Backend:            " PG ",
		StatementTimeoutMs: -5,
		Probe:              ProbeConfig{Concurrency: -2},
		Training:           TrainingConfig{MaxQueries: -1, OutlierNodeTypes: []string{}},
		Selection:          SelectionConfig{CacheTTLSeconds: -1},
	}
	normalizeConfig(&cfg)
	if cfg.Backend != "postgresql" {
		t.Fatalf("unexpected backend: %q", cfg.Backend)
	}
	if cfg.StatementTimeoutMs != 0 || cfg.Probe.Concurrency != 1 || cfg.Training.MaxQueries != 0 || cfg.Selection.CacheTTLSeconds != 0 {
		t.Fatalf("out-of-range values not clamped: %+v", cfg)
	}
	if len(cfg.Training.OutlierNodeTypes) != 0 {
		t.Fatalf("explicit empty outlier list must be kept, got %v", cfg.Training.OutlierNodeTypes)
	}
	if cfg.Model.Dir == "" || cfg.Training.Table == "" {
		t.Fatalf("missing defaults: %+v", cfg)
	}
}

func TestAdminDSN(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"root@tcp(127.0.0.1:4000)/db", "root@tcp(127.0.0.1:4000)/"},
		{"root@tcp(127.0.0.1:4000)/db?x=1", "root@tcp(127.0.0.1:4000)/?x=1"},
		{"root@tcp(127.0.0.1:4000)", "root@tcp(127.0.0.1:4000)"},
		{"root:@tcp(127.0.0.1:4000)/?timeout=1s", "root:@tcp(127.0.0.1:4000)/?timeout=1s"},
	}
	for _, c := range cases {
		if got := AdminDSN(c.in); got != c.want {
			t.Fatalf("AdminDSN(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

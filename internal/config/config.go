package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures all runtime options for selection and pretraining.
type Config struct {
	Backend            string          `yaml:"backend"`
	DSN                string          `yaml:"dsn"`
	Database           string          `yaml:"database"`
	StatementTimeoutMs int             `yaml:"statement_timeout_ms"`
	Probe              ProbeConfig     `yaml:"probe"`
	Model              ModelConfig     `yaml:"model"`
	Training           TrainingConfig  `yaml:"training"`
	Dataset            DatasetConfig   `yaml:"dataset"`
	Selection          SelectionConfig `yaml:"selection"`
	Logging            Logging         `yaml:"logging"`
	Metrics            MetricsConfig   `yaml:"metrics"`
	Report             ReportConfig    `yaml:"report"`
	Storage            StorageConfig   `yaml:"storage"`
}

// ProbeConfig bounds concurrent arm probing.
type ProbeConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ModelConfig names the cost model artifact and its fitting knobs.
type ModelConfig struct {
	Name       string  `yaml:"name"`
	Dir        string  `yaml:"dir"`
	NeedsCache bool    `yaml:"needs_cache"`
	L2         float64 `yaml:"l2"`
}

// TrainingConfig controls the collect-then-retrain lifecycle.
type TrainingConfig struct {
	QueriesFile      string   `yaml:"queries_file"`
	MaxQueries       int      `yaml:"max_queries"`
	Table            string   `yaml:"table"`
	OneShot          bool     `yaml:"one_shot"`
	OutlierNodeTypes []string `yaml:"outlier_node_types"`
}

// DatasetConfig locates the tabular training store.
type DatasetConfig struct {
	Path string `yaml:"path"`
}

// SelectionConfig tunes the online selection path.
type SelectionConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// Logging controls stdout logging behavior.
type Logging struct {
	Verbose bool   `yaml:"verbose"`
	LogFile string `yaml:"log_file"`
}

// MetricsConfig controls the prometheus listener. Empty disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ReportConfig controls where training round reports are written.
type ReportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// StorageConfig holds external storage settings.
type StorageConfig struct {
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// CloudEnabled reports whether any cloud storage backend is enabled.
func (s StorageConfig) CloudEnabled() bool {
	return s.GCS.Enabled || s.S3.Enabled
}

// S3Config configures S3 uploads (AWS and S3-compatible endpoints).
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// GCSConfig configures GCS uploads.
type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := defaultConfig()
	normalizeConfig(&cfg)
	return cfg
}

const (
	probeConcurrencyDefault = 1
	modelNameDefault        = "bao"
	modelL2Default          = 1e-3
	trainingTableDefault    = "bao_training_data"
	statementTimeoutDefault = 300000
)

// defaultOutlierTypes lists the plan operators excluded from training per backend.
var defaultOutlierTypes = map[string][]string{
	"postgresql": {"BitmapAnd"},
}

func normalizeConfig(cfg *Config) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch cfg.Backend {
	case "postgres", "pg":
		cfg.Backend = "postgresql"
	}
	if cfg.Probe.Concurrency <= 0 {
		cfg.Probe.Concurrency = probeConcurrencyDefault
	}
	if cfg.StatementTimeoutMs < 0 {
		cfg.StatementTimeoutMs = 0
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		cfg.Model.Name = modelNameDefault
	}
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = "models"
	}
	if cfg.Model.L2 <= 0 {
		cfg.Model.L2 = modelL2Default
	}
	if strings.TrimSpace(cfg.Training.Table) == "" {
		cfg.Training.Table = trainingTableDefault
	}
	if cfg.Training.MaxQueries < 0 {
		cfg.Training.MaxQueries = 0
	}
	if cfg.Training.OutlierNodeTypes == nil {
		cfg.Training.OutlierNodeTypes = append([]string(nil), defaultOutlierTypes[cfg.Backend]...)
	}
	if cfg.Selection.CacheTTLSeconds < 0 {
		cfg.Selection.CacheTTLSeconds = 0
	}
	if cfg.Backend == "tidb" && cfg.Database != "" {
		cfg.DSN = ensureDatabaseInDSN(cfg.DSN, cfg.Database)
	}
}

func ensureDatabaseInDSN(dsn string, dbName string) string {
	if dsn == "" || dbName == "" {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
	}
	afterSlash := dsn[slash+1:]
	if query >= 0 {
		afterSlash = dsn[slash+1 : query]
	}
	if strings.TrimSpace(afterSlash) != "" {
		return dsn
	}
	if query >= 0 {
		return dsn[:slash+1] + dbName + dsn[query:]
	}
	return dsn + dbName
}

// AdminDSN strips the database name from a MySQL-style DSN while preserving
// query parameters.
func AdminDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	slash := strings.Index(dsn, "/")
	if slash < 0 {
		return dsn
	}
	query := strings.Index(dsn[slash+1:], "?")
	if query >= 0 {
		query = slash + 1 + query
		return dsn[:slash+1] + dsn[query:]
	}
	return dsn[:slash+1]
}

func defaultConfig() Config {
	return Config{
		Backend:            "postgresql",
		DSN:                "postgres://postgres@127.0.0.1:5432/stats_tiny?sslmode=disable",
		StatementTimeoutMs: statementTimeoutDefault,
		Probe:              ProbeConfig{Concurrency: probeConcurrencyDefault},
		Model: ModelConfig{
			Name: modelNameDefault,
			Dir:  "models",
			L2:   modelL2Default,
		},
		Training: TrainingConfig{
			Table: trainingTableDefault,
		},
		Dataset: DatasetConfig{Path: "data/hintpilot.db"},
		Logging: Logging{
			LogFile: "logs/hintpilot.log",
		},
		Report: ReportConfig{OutputDir: "reports"},
	}
}

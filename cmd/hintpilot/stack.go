package main

import (
	"context"
	"database/sql"
	"io"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/config"
	"hintpilot/internal/db"
	"hintpilot/internal/model"
	"hintpilot/internal/probe"
	"hintpilot/internal/util"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// stack is the engine-facing runtime shared by every subcommand.
type stack struct {
	cfg     config.Config
	backend arm.Backend
	catalog *arm.Catalog
	probe   *probe.Probe
	timeout time.Duration
	models  *model.FileStore
	holder  *model.Holder

	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	if opts.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "load config %s", opts.configPath)
	}
	return cfg, nil
}

// setupLogging applies the logging section; the returned closer may be nil.
func setupLogging(cfg config.Config, verbose bool) io.Closer {
	util.SetVerbose(cfg.Logging.Verbose || verbose)
	f, err := util.TeeLogFile(cfg.Logging.LogFile)
	if err != nil {
		util.Warnf("log file %s: %v", cfg.Logging.LogFile, err)
		return nil
	}
	if !util.Verbose() {
		return f
	}
	if data, err := yaml.Marshal(&cfg); err == nil {
		util.Debugf("config:\n%s", string(data))
	}
	return f
}

func openStack(ctx context.Context, opts *rootOptions) (_ *stack, err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	if f := setupLogging(cfg, opts.verbose); f != nil {
		s.addCloser("log file", f)
	}
	if s.backend, err = arm.ParseBackend(cfg.Backend); err != nil {
		return nil, err
	}
	if s.catalog, err = arm.NewCatalog(s.backend); err != nil {
		return nil, err
	}
	if err = db.EnsureDatabase(ctx, s.backend, cfg.DSN, cfg.Database); err != nil {
		return nil, errors.Wrap(err, "ensure database")
	}
	pool, err := db.Open(s.backend, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open engine")
	}
	s.addCloser("engine pool", pool)
	if err = pingPool(ctx, pool); err != nil {
		return nil, err
	}
	s.timeout = time.Duration(cfg.StatementTimeoutMs) * time.Millisecond
	connector, err := db.NewConnector(s.backend, pool, s.timeout)
	if err != nil {
		return nil, err
	}
	s.models = model.NewFileStore(cfg.Model.Dir)
	current, err := model.LoadOrFresh(ctx, s.models, cfg.Model.Name, cfg.Model.NeedsCache, cfg.Model.L2)
	if err != nil {
		return nil, err
	}
	s.holder = model.NewHolder(current)
	s.probe = probe.New(connector, probeCache(cfg.Model.NeedsCache, current))
	util.Infof("%s backend with %d arms, model %s (trained=%v)", s.backend, s.catalog.Len(), cfg.Model.Name, current.Trained)
	return s, nil
}

// probeCache decides whether probes collect buffer cache state. A trained
// artifact wins over the config so serving features match its training.
func probeCache(configured bool, m *model.Regression) bool {
	if m == nil || !m.Trained || m.NeedsCache == configured {
		return configured
	}
	util.Warnf("model %s was trained with needs_cache=%v; overriding model.needs_cache=%v", m.Version, m.NeedsCache, configured)
	return m.NeedsCache
}

func pingPool(ctx context.Context, pool *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return errors.Wrap(pool.PingContext(ctx), "ping engine")
}

func (s *stack) addCloser(name string, c io.Closer) {
	s.closers = append(s.closers, namedCloser{name, c})
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		util.CloseWithErr(s.closers[i].c, s.closers[i].name)
	}
	s.closers = nil
}

// Package db adapts database engines to the probe session interface: stage
// hints, choose which observables to capture, run one statement.
package db

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/plan"

	"github.com/pkg/errors"
)

// ErrNoConnector is returned for backends without a built-in session driver.
var ErrNoConnector = errors.New("no built-in connector for backend")

// TransData carries the observables captured by one Execute call.
type TransData struct {
	PhysicalPlan  *plan.Node
	BufferCache   plan.BufferCache
	ExecutionTime time.Duration
	Timed         bool
}

// Session is one engine session. Hints stay staged for the life of the
// session; Pull* requests apply to the next Execute only.
type Session interface {
	PushHint(hints map[string]string)
	PullPhysicalPlan()
	PullBufferCache()
	PullExecutionTime()
	Execute(ctx context.Context, sql string) (*TransData, error)
	Close() error
}

// Connector hands out fresh sessions. Each probe owns the session it gets.
type Connector interface {
	NewSession(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Session, error)

// NewSession calls f.
func (f ConnectorFunc) NewSession(ctx context.Context) (Session, error) { return f(ctx) }

type pulls struct {
	plan  bool
	cache bool
	time  bool
}

// staging holds the state shared by the SQL-backed sessions.
type staging struct {
	hints map[string]string
	pull  pulls
}

func (s *staging) PushHint(hints map[string]string) {
	if s.hints == nil {
		s.hints = make(map[string]string, len(hints))
	}
	for k, v := range hints {
		s.hints[k] = v
	}
}

func (s *staging) PullPhysicalPlan()  { s.pull.plan = true }
func (s *staging) PullBufferCache()   { s.pull.cache = true }
func (s *staging) PullExecutionTime() { s.pull.time = true }

// take returns the pending pull requests and clears them.
func (s *staging) take() pulls {
	p := s.pull
	s.pull = pulls{}
	return p
}

func (s *staging) sortedHints() []string {
	keys := make([]string, 0, len(s.hints))
	for k := range s.hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	optionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	valuePattern  = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

func checkHint(option, value string) error {
	if !optionPattern.MatchString(option) {
		return errors.Errorf("invalid option name %q", option)
	}
	if !valuePattern.MatchString(value) {
		return errors.Errorf("invalid value %q for %s", value, option)
	}
	return nil
}

// Open opens a connection pool for the backend's driver.
func Open(backend arm.Backend, dsn string) (*sql.DB, error) {
	switch backend {
	case arm.Postgres:
		return sql.Open("postgres", dsn)
	case arm.TiDB:
		return openTiDB(dsn)
	default:
		return nil, errors.Wrapf(ErrNoConnector, "%s", backend)
	}
}

// NewConnector wraps a pool opened by Open in the backend's session type.
func NewConnector(backend arm.Backend, pool *sql.DB, timeout time.Duration) (Connector, error) {
	switch backend {
	case arm.Postgres:
		return NewPostgresConnector(pool, timeout), nil
	case arm.TiDB:
		return NewTiDBConnector(pool, timeout), nil
	default:
		return nil, errors.Wrapf(ErrNoConnector, "%s", backend)
	}
}

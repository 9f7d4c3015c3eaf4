package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"hintpilot/internal/plan"
	"hintpilot/internal/util"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const pgBufferCacheSQL = `SELECT c.relname, count(*)
FROM pg_buffercache b
JOIN pg_class c ON b.relfilenode = pg_relation_filenode(c.oid)
  AND b.reldatabase IN (0, (SELECT oid FROM pg_database WHERE datname = current_database()))
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
GROUP BY c.relname`

// PostgresConnector opens sessions on dedicated connections of a lib/pq pool.
type PostgresConnector struct {
	pool    *sql.DB
	timeout time.Duration
}

// NewPostgresConnector wraps pool. A positive timeout becomes the session's
// statement_timeout.
func NewPostgresConnector(pool *sql.DB, timeout time.Duration) *PostgresConnector {
	return &PostgresConnector{pool: pool, timeout: timeout}
}

// NewSession pins a connection for the caller.
func (c *PostgresConnector) NewSession(ctx context.Context) (Session, error) {
	conn, err := c.pool.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgres conn")
	}
	return &pgSession{conn: conn, timeout: c.timeout}, nil
}

type pgSession struct {
	staging
	conn    *sql.Conn
	timeout time.Duration
	applied bool
}

func (s *pgSession) Execute(ctx context.Context, sqlText string) (*TransData, error) {
	pull := s.take()
	if err := s.apply(ctx); err != nil {
		return nil, err
	}
	if !pull.plan && !pull.time {
		_, err := s.conn.ExecContext(ctx, sqlText)
		return &TransData{}, err
	}
	out := &TransData{}
	if pull.cache {
		cache, err := s.bufferCache(ctx)
		if err != nil {
			return nil, err
		}
		out.BufferCache = cache
	}
	var raw string
	query := fmt.Sprintf("EXPLAIN (%s) %s", strings.Join(explainOptions(pull), ", "), sqlText)
	if err := s.conn.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return nil, errors.Wrap(err, "postgres explain")
	}
	root, timing, err := plan.ParsePostgresJSON([]byte(raw))
	if err != nil {
		return nil, err
	}
	if pull.time && !timing.OK {
		return nil, errors.New("postgres explain analyze returned no execution time")
	}
	out.PhysicalPlan = root
	out.ExecutionTime = timing.Elapsed
	out.Timed = timing.OK
	return out, nil
}

// explainOptions returns the EXPLAIN option list for pull. Timed runs also
// report buffer usage.
func explainOptions(pull pulls) []string {
	if pull.time {
		return []string{"ANALYZE", "BUFFERS", "FORMAT JSON"}
	}
	return []string{"FORMAT JSON"}
}

func (s *pgSession) apply(ctx context.Context) error {
	if s.timeout > 0 {
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", s.timeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "postgres statement_timeout")
		}
		s.applied = true
	}
	for _, opt := range s.sortedHints() {
		val := s.hints[opt]
		if err := checkHint(opt, val); err != nil {
			return err
		}
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET %s = %s", opt, pq.QuoteLiteral(val))); err != nil {
			return errors.Wrapf(err, "postgres set %s", opt)
		}
		s.applied = true
	}
	return nil
}

func (s *pgSession) bufferCache(ctx context.Context) (plan.BufferCache, error) {
	rows, err := s.conn.QueryContext(ctx, pgBufferCacheSQL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres pg_buffercache")
	}
	defer util.CloseWithErr(rows, "pg_buffercache rows")
	cache := make(plan.BufferCache)
	for rows.Next() {
		var rel string
		var n int64
		if err := rows.Scan(&rel, &n); err != nil {
			return nil, err
		}
		cache[rel] = n
	}
	return cache, rows.Err()
}

// Close resets session settings before handing the connection back to the pool.
func (s *pgSession) Close() error {
	if s.applied {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.conn.ExecContext(ctx, "RESET ALL"); err != nil {
			// A connection with leftover planner switches must not be reused.
			_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
			util.Warnf("postgres reset session: %v", err)
		}
	}
	return s.conn.Close()
}

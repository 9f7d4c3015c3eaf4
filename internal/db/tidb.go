package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hintpilot/internal/plan"
	"hintpilot/internal/util"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// ErrExecutionTimeout is returned when TiDB kills a statement for exceeding
// max_execution_time.
var ErrExecutionTimeout = errors.New("statement exceeded max_execution_time")

const mysqlErrMaxExecutionTime = 3024

func openTiDB(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse tidb dsn")
	}
	// Probes run one statement per round trip.
	cfg.MultiStatements = false
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "tidb connector")
	}
	return sql.OpenDB(connector), nil
}

// TiDBConnector opens sessions on dedicated connections of a MySQL-protocol pool.
type TiDBConnector struct {
	pool    *sql.DB
	timeout time.Duration
}

// NewTiDBConnector wraps pool. A positive timeout becomes max_execution_time.
func NewTiDBConnector(pool *sql.DB, timeout time.Duration) *TiDBConnector {
	return &TiDBConnector{pool: pool, timeout: timeout}
}

// NewSession pins a connection for the caller.
func (c *TiDBConnector) NewSession(ctx context.Context) (Session, error) {
	conn, err := c.pool.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "tidb conn")
	}
	return &tidbSession{conn: conn, timeout: c.timeout}, nil
}

type tidbSession struct {
	staging
	conn    *sql.Conn
	timeout time.Duration
	set     []string
}

func (s *tidbSession) Execute(ctx context.Context, sqlText string) (*TransData, error) {
	pull := s.take()
	if err := s.apply(ctx); err != nil {
		return nil, err
	}
	if pull.cache {
		util.Debugf("tidb exposes no buffer cache state; skipping cache annotation")
	}
	if !pull.plan && !pull.time {
		_, err := s.conn.ExecContext(ctx, sqlText)
		return &TransData{}, classifyTiDBErr(err)
	}
	query := "EXPLAIN " + sqlText
	if pull.time {
		query = "EXPLAIN ANALYZE " + sqlText
	}
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyTiDBErr(err)
	}
	defer util.CloseWithErr(rows, "tidb explain rows")
	explain, err := scanExplainRows(rows)
	if err != nil {
		return nil, classifyTiDBErr(err)
	}
	elapsed := time.Since(start)
	root, err := plan.ParseExplainRows(explain)
	if err != nil {
		return nil, err
	}
	out := &TransData{PhysicalPlan: root}
	if pull.time {
		out.ExecutionTime = elapsed
		out.Timed = true
	}
	return out, nil
}

func (s *tidbSession) apply(ctx context.Context) error {
	if s.timeout > 0 && !s.has("max_execution_time") {
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", s.timeout.Milliseconds())); err != nil {
			return errors.Wrap(err, "tidb max_execution_time")
		}
		s.set = append(s.set, "max_execution_time")
	}
	for _, opt := range s.sortedHints() {
		val := s.hints[opt]
		if err := checkHint(opt, val); err != nil {
			return err
		}
		if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET SESSION %s = %s", opt, val)); err != nil {
			return errors.Wrapf(err, "tidb set %s", opt)
		}
		if !s.has(opt) {
			s.set = append(s.set, opt)
		}
	}
	return nil
}

func (s *tidbSession) has(name string) bool {
	for _, v := range s.set {
		if v == name {
			return true
		}
	}
	return false
}

// Close restores every variable this session touched.
func (s *tidbSession) Close() error {
	if len(s.set) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, name := range s.set {
			if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("SET SESSION %s = DEFAULT", name)); err != nil {
				_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
				util.Warnf("tidb restore %s: %v", name, err)
				break
			}
		}
	}
	return s.conn.Close()
}

func scanExplainRows(rows *sql.Rows) ([]plan.ExplainRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	idIdx, estIdx, accessIdx := -1, -1, -1
	for i, col := range cols {
		switch strings.ToLower(col) {
		case "id":
			idIdx = i
		case "estrows", "count":
			estIdx = i
		case "access object":
			accessIdx = i
		}
	}
	if idIdx < 0 {
		return nil, errors.Errorf("explain output has no id column: %v", cols)
	}
	values := make([]sql.RawBytes, len(cols))
	scanArgs := make([]any, len(values))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	var out []plan.ExplainRow
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		row := plan.ExplainRow{ID: string(values[idIdx])}
		if estIdx >= 0 {
			row.EstRows, _ = strconv.ParseFloat(strings.TrimSpace(string(values[estIdx])), 64)
		}
		if accessIdx >= 0 {
			row.AccessObject = string(values[accessIdx])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func classifyTiDBErr(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrMaxExecutionTime {
		return errors.Wrap(ErrExecutionTimeout, myErr.Message)
	}
	return err
}

package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"hintpilot/internal/util"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps each table in a SQLite file.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	created map[string]bool
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
		util.Warnf("sqlite pragma: %v", err)
	}
	return &SQLiteStore{db: db, created: make(map[string]bool)}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensure(ctx context.Context, table string) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table] {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sql TEXT NOT NULL,
	plan TEXT NOT NULL,
	time REAL NOT NULL,
	query_index INTEGER NOT NULL,
	arm_index INTEGER NOT NULL
)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	s.created[table] = true
	return nil
}

// Append inserts rows in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, table string, rows []Row) error {
	if err := s.ensure(ctx, table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (sql, plan, time, query_index, arm_index) VALUES (?, ?, ?, ?, ?)", table))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer util.CloseWithErr(stmt, "sqlite insert stmt")
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.SQL, r.Plan, r.TimeMs, r.QueryIndex, r.ArmIndex); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "append to %s", table)
		}
	}
	return tx.Commit()
}

// ReadAll returns every row of table in insertion order.
func (s *SQLiteStore) ReadAll(ctx context.Context, table string) ([]Row, error) {
	if err := s.ensure(ctx, table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT sql, plan, time, query_index, arm_index FROM %s ORDER BY id", table))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", table)
	}
	defer util.CloseWithErr(rows, "sqlite rows")
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.SQL, &r.Plan, &r.TimeMs, &r.QueryIndex, &r.ArmIndex); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

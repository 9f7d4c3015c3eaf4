// Package dataset stores training rows in named append-only tables.
package dataset

import (
	"context"
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

// Row is one timed plan observation.
type Row struct {
	SQL        string
	Plan       string
	TimeMs     float64
	QueryIndex int
	ArmIndex   int
}

// Store appends rows to tables and reads them back in insertion order.
type Store interface {
	Append(ctx context.Context, table string, rows []Row) error
	ReadAll(ctx context.Context, table string) ([]Row, error)
}

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTable rejects names that are not plain identifiers.
func ValidateTable(name string) error {
	if !tablePattern.MatchString(name) {
		return errors.Errorf("invalid table name %q", name)
	}
	return nil
}

// MemoryStore keeps tables in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

// Append adds rows to table.
func (s *MemoryStore) Append(ctx context.Context, table string, rows []Row) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], rows...)
	return nil
}

// ReadAll returns a copy of table. Unknown tables are empty.
func (s *MemoryStore) ReadAll(ctx context.Context, table string) ([]Row, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.tables[table]...), nil
}

package dataset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleRows() []Row {
	return []Row{
		{SQL: "SELECT 1", Plan: `{"Node Type":"Result"}`, TimeMs: 1.5, QueryIndex: 0, ArmIndex: 0},
		{SQL: "SELECT 1", Plan: `{"Node Type":"Result"}`, TimeMs: 2.25, QueryIndex: 0, ArmIndex: 1},
		{SQL: "SELECT 2", Plan: `{"Node Type":"Seq Scan"}`, TimeMs: 10, QueryIndex: 1, ArmIndex: 0},
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	empty, err := s.ReadAll(ctx, "bao_training_data")
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(empty))
	}
	rows := sampleRows()
	if err := s.Append(ctx, "bao_training_data", rows[:2]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "bao_training_data", rows[2:]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, "other", rows[:1]); err != nil {
		t.Fatalf("append other: %v", err)
	}
	got, err := s.ReadAll(ctx, "bao_training_data")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Fatalf("rows differ (-want +got):\n%s", diff)
	}
	if err := s.Append(ctx, "bad; DROP TABLE x", rows); err == nil {
		t.Fatalf("expected invalid table name to be rejected")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "train.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.ReadAll(context.Background(), "bao_training_data")
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected rows to persist, got %d", len(got))
	}
}

package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/dataset"
	"hintpilot/internal/db"
	"hintpilot/internal/db/dbtest"
	"hintpilot/internal/model"
	"hintpilot/internal/plan"
	"hintpilot/internal/probe"
	"hintpilot/internal/report"
)

func catalog(t *testing.T) *arm.Catalog {
	t.Helper()
	cat, err := arm.NewCatalog(arm.Postgres)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

// timedConnector times arm i at (i+1)*10ms and fails every arm listed in fail.
func timedConnector(cat *arm.Catalog, fail ...int) *dbtest.Connector {
	failing := map[int]bool{}
	for _, i := range fail {
		failing[i] = true
	}
	return &dbtest.Connector{Handler: func(ctx context.Context, call dbtest.Call) (*db.TransData, error) {
		idx := dbtest.ArmIndex(cat, call.Hints)
		if failing[idx] {
			return nil, errors.New("canceling statement due to statement timeout")
		}
		return &db.TransData{
			PhysicalPlan:  dbtest.CostPlan(float64(100 * (idx + 1))),
			BufferCache:   plan.BufferCache{"users": int64(idx)},
			ExecutionTime: time.Duration(idx+1) * 10 * time.Millisecond,
			Timed:         call.Time,
		}, nil
	}}
}

func TestCursor(t *testing.T) {
	c := NewCursor([]string{"a", "b"})
	if c.Done() || c.Remaining() != 2 {
		t.Fatalf("fresh cursor: %+v", c)
	}
	if q, ok := c.Current(); !ok || q != "a" {
		t.Fatalf("unexpected current %q", q)
	}
	next := c.Advance()
	if c.Position != 0 || next.Position != 1 {
		t.Fatalf("advance must not mutate the original: %d %d", c.Position, next.Position)
	}
	end := next.Advance().Advance()
	if !end.Done() || end.Position != 2 || end.Remaining() != 0 {
		t.Fatalf("cursor should stop at the end: %+v", end)
	}
	if _, ok := end.Current(); ok {
		t.Fatalf("done cursor has no current query")
	}
	if end.Rewind().Position != 0 {
		t.Fatalf("rewind should return to the start")
	}
}

func TestCollectorDoneOnlyOnLastStep(t *testing.T) {
	cat := catalog(t)
	col := NewCollector(cat, probe.New(timedConnector(cat), false), 0)
	cur := NewCursor([]string{"SELECT 1", "SELECT 2", "SELECT 3"})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		step, err := col.Step(ctx, cur)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if step.Done != (i == 2) {
			t.Fatalf("step %d: done=%v", i, step.Done)
		}
		if step.Next.Position != i+1 {
			t.Fatalf("step %d: cursor at %d", i, step.Next.Position)
		}
		cur = step.Next
	}
	if _, err := col.Step(ctx, cur); !errors.Is(err, ErrCollectionExhausted) {
		t.Fatalf("expected ErrCollectionExhausted, got %v", err)
	}
}

func TestCollectorRows(t *testing.T) {
	cat := catalog(t)
	conn := timedConnector(cat, 2)
	col := NewCollector(cat, probe.New(conn, true), 0)
	cur := Cursor{Queries: []string{"SELECT 1", "SELECT 2"}, Position: 1}
	step, err := col.Step(context.Background(), cur)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(step.Rows) != 4 || step.Failed != 1 {
		t.Fatalf("expected 4 rows and 1 failure, got %d rows %d failed", len(step.Rows), step.Failed)
	}
	wantArms := []int{0, 1, 3, 4}
	for i, row := range step.Rows {
		if row.ArmIndex != wantArms[i] || row.QueryIndex != 1 || row.SQL != "SELECT 2" {
			t.Fatalf("unexpected row %d: %+v", i, row)
		}
		if row.TimeMs != float64((row.ArmIndex+1)*10) {
			t.Fatalf("row %d: unexpected time %v", i, row.TimeMs)
		}
		root, err := plan.Unmarshal([]byte(row.Plan))
		if err != nil {
			t.Fatalf("row %d: stored plan does not decode: %v", i, err)
		}
		if root.Buffers["users"] != int64(row.ArmIndex) {
			t.Fatalf("row %d: cache annotation missing", i)
		}
	}
	for _, call := range conn.Calls() {
		if !call.Time || !call.Plan || !call.Cache {
			t.Fatalf("collection must pull plan, time and cache: %+v", call)
		}
	}
}

func planJSON(t *testing.T, root *plan.Node) string {
	t.Helper()
	data, err := plan.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestTrainerFiltersRows(t *testing.T) {
	ctx := context.Background()
	store := dataset.NewMemoryStore()
	outlier := &plan.Node{NodeType: "Hash Join", Children: []*plan.Node{
		{NodeType: "Hash", Children: []*plan.Node{{NodeType: "BitmapAnd"}}},
	}}
	rows := []dataset.Row{
		{SQL: "q", Plan: planJSON(t, dbtest.CostPlan(100)), TimeMs: 10},
		{SQL: "q", Plan: planJSON(t, dbtest.CostPlan(400)), TimeMs: 40, ArmIndex: 1},
		{SQL: "q", Plan: planJSON(t, outlier), TimeMs: 5, ArmIndex: 2},
		{SQL: "q", Plan: `{"Plans": []}`, TimeMs: 5, ArmIndex: 3},
		{SQL: "q", Plan: planJSON(t, dbtest.CostPlan(900)), TimeMs: 90, ArmIndex: 4},
	}
	if err := store.Append(ctx, "bao", rows); err != nil {
		t.Fatalf("append: %v", err)
	}
	tr, err := NewTrainer(arm.Postgres, false, 1e-3, []string{"BitmapAnd"})
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	m, rep, err := tr.Retrain(ctx, store, "bao")
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if rep != (Report{RowsRead: 5, Kept: 3, Outliers: 1, Malformed: 1}) {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !m.Trained || m.Samples != 3 {
		t.Fatalf("unexpected model: trained=%v samples=%d", m.Trained, m.Samples)
	}
}

func TestTrainerNoData(t *testing.T) {
	ctx := context.Background()
	store := dataset.NewMemoryStore()
	tr, err := NewTrainer(arm.Postgres, false, 1e-3, []string{"BitmapAnd"})
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	if _, _, err := tr.Retrain(ctx, store, "empty"); !errors.Is(err, ErrNoTrainingData) {
		t.Fatalf("expected ErrNoTrainingData, got %v", err)
	}
	bitmap := planJSON(t, &plan.Node{NodeType: "BitmapAnd"})
	if err := store.Append(ctx, "bao", []dataset.Row{{SQL: "q", Plan: bitmap, TimeMs: 1}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, rep, err := tr.Retrain(ctx, store, "bao")
	if !errors.Is(err, ErrNoTrainingData) || rep.Outliers != 1 {
		t.Fatalf("expected all-outlier table to fail, got %v %+v", err, rep)
	}
}

func TestPreprocessorFor(t *testing.T) {
	cases := map[arm.Backend]string{arm.Postgres: "identity", arm.TiDB: "identity", arm.Spark: "spark_compress"}
	for backend, want := range cases {
		pre, err := PreprocessorFor(backend)
		if err != nil || pre.Name() != want {
			t.Fatalf("%s: got %v, %v", backend, pre, err)
		}
	}
	if _, err := PreprocessorFor("oracle"); !errors.Is(err, arm.ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

type lifecycleFixture struct {
	life   *Lifecycle
	holder *model.Holder
	models *model.FileStore
	data   *dataset.MemoryStore
	out    string
}

func newLifecycle(t *testing.T, oneShot bool, data dataset.Store) *lifecycleFixture {
	t.Helper()
	cat := catalog(t)
	tr, err := NewTrainer(arm.Postgres, false, 1e-3, []string{"BitmapAnd"})
	if err != nil {
		t.Fatalf("trainer: %v", err)
	}
	mem, _ := data.(*dataset.MemoryStore)
	dir := t.TempDir()
	f := &lifecycleFixture{
		holder: model.NewHolder(model.NewRegression(false, 1e-3)),
		models: model.NewFileStore(filepath.Join(dir, "models")),
		data:   mem,
		out:    filepath.Join(dir, "reports"),
	}
	f.life, err = NewLifecycle(LifecycleConfig{
		Queries:   []string{"SELECT 1", "SELECT 2"},
		Collector: NewCollector(cat, probe.New(timedConnector(cat), false), 0),
		Trainer:   tr,
		Data:      data,
		Table:     "bao_training_data",
		Models:    f.models,
		ModelName: "bao",
		Holder:    f.holder,
		Reporter:  report.New(f.out),
		OneShot:   oneShot,
		Backend:   string(arm.Postgres),
	})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	return f
}

func TestLifecycleContinuous(t *testing.T) {
	ctx := context.Background()
	f := newLifecycle(t, false, dataset.NewMemoryStore())
	if f.life.State() != StateCollecting || f.life.Cursor().Position != 0 {
		t.Fatalf("unexpected initial state %s", f.life.State())
	}
	if _, err := f.life.Retrain(ctx); !errors.Is(err, ErrWrongState) {
		t.Fatalf("retrain while collecting should fail, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.life.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if f.life.State() != StateTraining {
		t.Fatalf("expected training after a full pass, got %s", f.life.State())
	}
	rows, _ := f.data.ReadAll(ctx, "bao_training_data")
	if len(rows) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(rows))
	}
	if _, err := f.life.NextCollectionStep(ctx); !errors.Is(err, ErrWrongState) {
		t.Fatalf("collect while training should fail, got %v", err)
	}
	before := f.holder.Load()
	if err := f.life.Tick(ctx); err != nil {
		t.Fatalf("retrain tick: %v", err)
	}
	served := f.holder.Load()
	if served == before || !served.Trained {
		t.Fatalf("holder should serve the retrained model")
	}
	saved, err := f.models.Load(ctx, "bao")
	if err != nil || saved.Version != served.Version {
		t.Fatalf("saved model mismatch: %v", err)
	}
	if f.life.State() != StateCollecting || f.life.Cursor().Position != 0 || f.life.Rounds() != 1 {
		t.Fatalf("continuous mode should restart collection, state=%s pos=%d", f.life.State(), f.life.Cursor().Position)
	}
	entries, err := os.ReadDir(f.out)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one round dir, got %v %v", entries, err)
	}
	summary, err := report.ReadSummary(filepath.Join(f.out, entries[0].Name()))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ModelVersion != served.Version || summary.RowsKept != 10 || summary.ArtifactBytes == 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestLifecycleOneShot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f := newLifecycle(t, true, dataset.NewMemoryStore())
	if err := f.life.Run(ctx, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.life.State() != StateFinished || f.life.Rounds() != 1 {
		t.Fatalf("one-shot should finish after one round, state=%s", f.life.State())
	}
	if err := f.life.Tick(ctx); err != nil {
		t.Fatalf("tick after finish should be a no-op, got %v", err)
	}
}

type failingStore struct {
	dataset.Store
	fail bool
}

func (s *failingStore) Append(ctx context.Context, table string, rows []dataset.Row) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, table, rows)
}

func TestLifecycleAppendFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: dataset.NewMemoryStore(), fail: true}
	f := newLifecycle(t, false, store)
	if _, err := f.life.NextCollectionStep(ctx); err == nil {
		t.Fatalf("expected append failure")
	}
	if f.life.Cursor().Position != 0 {
		t.Fatalf("cursor advanced past unsaved rows")
	}
	store.fail = false
	if _, err := f.life.NextCollectionStep(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.life.Cursor().Position != 1 {
		t.Fatalf("expected cursor at 1, got %d", f.life.Cursor().Position)
	}
}

type countingStore struct {
	dataset.Store
	appends atomic.Int32
}

func (s *countingStore) Append(ctx context.Context, table string, rows []dataset.Row) error {
	s.appends.Add(1)
	return errors.New("disk full")
}

func TestRunBacksOffBetweenFailures(t *testing.T) {
	store := &countingStore{Store: dataset.NewMemoryStore()}
	f := newLifecycle(t, false, store)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := f.life.Run(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// The minimum backoff leaves room for only a few attempts in 250ms.
	if n := store.appends.Load(); n < 1 || n > 4 {
		t.Fatalf("expected a handful of attempts, got %d", n)
	}
	if f.life.State() != StateCollecting || f.life.Cursor().Position != 0 {
		t.Fatalf("failed appends must not move the lifecycle")
	}
}

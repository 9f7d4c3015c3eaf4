package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// trainingSet builds vectors whose time grows with the first feature.
func trainingSet() ([][]float64, []float64) {
	var xs [][]float64
	var ys []float64
	for i := 0; i < 40; i++ {
		x := float64(i)
		xs = append(xs, []float64{x, float64(i % 3), 7})
		ys = append(ys, math.Expm1(0.1*x+0.5))
	}
	return xs, ys
}

func TestRegressionFitAndPredict(t *testing.T) {
	xs, ys := trainingSet()
	m := NewRegression(false, 1e-6)
	if err := m.Fit(xs, ys); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if !m.Trained || m.Width != 3 || m.Samples != 40 {
		t.Fatalf("unexpected model state: trained=%v width=%d samples=%d", m.Trained, m.Width, m.Samples)
	}
	preds, err := m.Predict([][]float64{{2, 0, 7}, {30, 0, 7}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !(preds[0] < preds[1]) {
		t.Fatalf("expected cost to grow with feature 0: %v", preds)
	}
	want := math.Expm1(0.1*30 + 0.5)
	if math.Abs(preds[1]-want)/want > 0.01 {
		t.Fatalf("prediction %v too far from %v", preds[1], want)
	}
}

func TestUntrainedPredictsConstant(t *testing.T) {
	m := NewRegression(false, 1e-3)
	preds, err := m.Predict([][]float64{{1, 2}, {100, 3}, {5}})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if preds[0] != preds[1] || preds[1] != preds[2] {
		t.Fatalf("untrained model should be constant: %v", preds)
	}
	if m.Version == "" {
		t.Fatalf("fresh model needs a version")
	}
}

func TestPredictWidthMismatch(t *testing.T) {
	xs, ys := trainingSet()
	m := NewRegression(false, 1e-3)
	if err := m.Fit(xs, ys); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if _, err := m.Predict([][]float64{{1, 2}}); !errors.Is(err, ErrFeatureWidth) {
		t.Fatalf("expected ErrFeatureWidth, got %v", err)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	m := NewRegression(false, 1e-3)
	if err := m.Fit(nil, nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if err := m.Fit([][]float64{{1}}, []float64{1, 2}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
	if err := m.Fit([][]float64{{1}, {1, 2}}, []float64{1, 2}); !errors.Is(err, ErrFeatureWidth) {
		t.Fatalf("expected ErrFeatureWidth, got %v", err)
	}
	if err := m.Fit([][]float64{{1}}, []float64{math.NaN()}); err == nil {
		t.Fatalf("expected error for NaN target")
	}
	if m.Trained {
		t.Fatalf("failed fits must leave the model untrained")
	}
}

func TestFileStoreRoundTripIsExact(t *testing.T) {
	xs, ys := trainingSet()
	m := NewRegression(true, 1e-3)
	if err := m.Fit(xs, ys); err != nil {
		t.Fatalf("fit: %v", err)
	}
	store := NewFileStore(filepath.Join(t.TempDir(), "models"))
	ctx := context.Background()
	if err := store.Save(ctx, m, "bao"); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := store.Load(ctx, "bao")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(m, back); diff != "" {
		t.Fatalf("round trip changed the model (-want +got):\n%s", diff)
	}
	before, _ := m.Predict(xs)
	after, _ := back.Predict(xs)
	for i := range before {
		if math.Float64bits(before[i]) != math.Float64bits(after[i]) {
			t.Fatalf("prediction %d differs: %v vs %v", i, before[i], after[i])
		}
	}
	entries, err := os.ReadDir(store.Dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "bao"+ArtifactExt {
		t.Fatalf("expected only the artifact, got %v", entries)
	}
}

func TestLoadMissingModel(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()
	if _, err := store.Load(ctx, "absent"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	m, err := LoadOrFresh(ctx, store, "absent", true, 1e-3)
	if err != nil {
		t.Fatalf("load or fresh: %v", err)
	}
	if m.Trained || !m.NeedsCache {
		t.Fatalf("expected fresh untrained model, got %+v", m)
	}
}

func TestLoadCorruptModel(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := os.WriteFile(store.Path("bad"), []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrFresh(context.Background(), store, "bad", false, 1e-3); err == nil || errors.Is(err, ErrModelNotFound) {
		t.Fatalf("corrupt artifact must surface as an error, got %v", err)
	}
}

func TestSaveRejectsBadName(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := store.Save(context.Background(), NewRegression(false, 1), "../escape"); err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestHolderSwap(t *testing.T) {
	first := NewRegression(false, 1)
	second := NewRegression(false, 1)
	h := NewHolder(first)
	if h.Load() != first {
		t.Fatalf("holder should serve the initial model")
	}
	if prev := h.Swap(second); prev != first || h.Load() != second {
		t.Fatalf("swap did not install the new model")
	}
}

package training

import (
	"context"
	"math"
	"sort"

	"hintpilot/internal/arm"
	"hintpilot/internal/dataset"
	"hintpilot/internal/metrics"
	"hintpilot/internal/model"
	"hintpilot/internal/plan"
	"hintpilot/internal/util"

	"github.com/pkg/errors"
)

// ErrNoTrainingData is returned when no row survives decoding and filtering.
var ErrNoTrainingData = errors.New("no usable training rows")

// Report counts what happened to the rows of one retrain.
type Report struct {
	RowsRead  int
	Kept      int
	Outliers  int
	Malformed int
}

// PreprocessorFor returns the plan normalisation used by backend.
func PreprocessorFor(backend arm.Backend) (plan.Preprocessor, error) {
	switch backend {
	case arm.Postgres, arm.TiDB:
		return plan.Identity{}, nil
	case arm.Spark:
		return plan.SparkCompress{}, nil
	default:
		return nil, errors.Wrapf(arm.ErrUnsupportedBackend, "%q", backend)
	}
}

// Trainer fits fresh cost models from stored rows. It keeps no state between
// calls.
type Trainer struct {
	backend    arm.Backend
	pre        plan.Preprocessor
	filter     plan.OutlierFilter
	needsCache bool
	l2         float64
}

// NewTrainer builds a trainer for backend. outlierTypes lists the plan node
// types whose presence excludes a row.
func NewTrainer(backend arm.Backend, needsCache bool, l2 float64, outlierTypes []string) (*Trainer, error) {
	pre, err := PreprocessorFor(backend)
	if err != nil {
		return nil, err
	}
	filter := plan.NewOutlierFilter(outlierTypes...)
	disallowed := filter.Disallowed()
	sort.Strings(disallowed)
	util.Infof("%s trainer: preprocess=%s, outlier node types %v", backend, pre.Name(), disallowed)
	return &Trainer{
		backend:    backend,
		pre:        pre,
		filter:     filter,
		needsCache: needsCache,
		l2:         l2,
	}, nil
}

// Retrain reads every row of table and fits a new model on the rows that
// decode cleanly and are not outliers.
func (t *Trainer) Retrain(ctx context.Context, store dataset.Store, table string) (*model.Regression, Report, error) {
	var rep Report
	rows, err := store.ReadAll(ctx, table)
	if err != nil {
		return nil, rep, errors.Wrapf(err, "read %s", table)
	}
	rep.RowsRead = len(rows)
	width := plan.FeatureWidth(t.needsCache)
	features := make([][]float64, 0, len(rows))
	times := make([]float64, 0, len(rows))
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		root, err := plan.Unmarshal([]byte(row.Plan))
		if err != nil || math.IsNaN(row.TimeMs) || math.IsInf(row.TimeMs, 0) || row.TimeMs < 0 {
			rep.Malformed++
			util.Debugf("skip malformed row %d (query %d arm %d): %v", i, row.QueryIndex, row.ArmIndex, err)
			metrics.TrainingRowsTotal.WithLabelValues("malformed").Inc()
			continue
		}
		root = t.pre.Apply(root)
		if t.filter.IsOutlier(root) {
			rep.Outliers++
			metrics.TrainingRowsTotal.WithLabelValues("outlier").Inc()
			continue
		}
		vec := plan.Featurize(root, t.needsCache)
		if len(vec) != width {
			rep.Malformed++
			continue
		}
		features = append(features, vec)
		times = append(times, row.TimeMs)
		rep.Kept++
		metrics.TrainingRowsTotal.WithLabelValues("kept").Inc()
	}
	if rep.Kept == 0 {
		return nil, rep, errors.Wrapf(ErrNoTrainingData, "%s: %d rows read, %d outliers, %d malformed", table, rep.RowsRead, rep.Outliers, rep.Malformed)
	}
	m := model.NewRegression(t.needsCache, t.l2)
	if err := m.Fit(features, times); err != nil {
		return nil, rep, err
	}
	util.Infof("trained %s model %s on %d rows (%d outliers, %d malformed)", t.backend, m.Version, rep.Kept, rep.Outliers, rep.Malformed)
	return m, rep, nil
}

// Package selector picks the hint arm predicted to run a statement fastest.
package selector

import (
	"context"
	"math"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/metrics"
	"hintpilot/internal/model"
	"hintpilot/internal/plan"
	"hintpilot/internal/probe"
	"hintpilot/internal/util"
	"hintpilot/internal/validator"

	"github.com/patrickmn/go-cache"
)

// Reasons recorded for a decision. Everything except ReasonModel is a fault
// that falls back to arm 0.
const (
	ReasonModel             = "model"
	ReasonCached            = "cached"
	ReasonNoModel           = "no_model"
	ReasonUntrained         = "untrained"
	ReasonNotQuery          = "not_query"
	ReasonProbeFailed       = "probe_failed"
	ReasonModelError        = "model_error"
	ReasonInvalidPrediction = "invalid_prediction"
	ReasonPanic             = "panic"
)

// Decision explains one selection.
type Decision struct {
	Arm    arm.Arm
	Reason string
	// Predictions holds one estimate per catalog arm; arms whose probe
	// failed or that were never scored are NaN.
	Predictions []float64
}

// Fallback reports whether the default arm was used because of a fault.
func (d Decision) Fallback() bool {
	return d.Reason != ReasonModel && d.Reason != ReasonCached
}

// Selector chooses among a catalog's arms using the serving model.
type Selector struct {
	catalog *arm.Catalog
	orch    *probe.Orchestrator
	holder  *model.Holder
	guard   *validator.Validator
	cache   *cache.Cache
	pre     plan.Preprocessor
}

// Option configures a Selector.
type Option func(*Selector)

// WithGuard probes only statements the validator classifies as queries.
// Statements it cannot parse are still probed.
func WithGuard(v *validator.Validator) Option {
	return func(s *Selector) { s.guard = v }
}

// WithCache remembers the chosen arm per model version and statement for ttl.
func WithCache(ttl time.Duration) Option {
	return func(s *Selector) {
		if ttl > 0 {
			s.cache = cache.New(ttl, 2*ttl)
		}
	}
}

// WithPreprocessor normalizes fetched plans before featurizing, the same way
// the trainer does for the backend. The default leaves plans untouched.
func WithPreprocessor(pre plan.Preprocessor) Option {
	return func(s *Selector) {
		if pre != nil {
			s.pre = pre
		}
	}
}

// New builds a selector.
func New(catalog *arm.Catalog, orch *probe.Orchestrator, holder *model.Holder, opts ...Option) *Selector {
	s := &Selector{catalog: catalog, orch: orch, holder: holder, pre: plan.Identity{}}
	for _, opt := range opts {
		opt(s)
	}
	if m := holder.Load(); m != nil && m.NeedsCache && !orch.Probe().NeedsCache() {
		util.Warnf("model %s uses buffer cache features but probes do not collect them", m.Version)
	}
	return s
}

// Select returns the hint map of the arm predicted to be cheapest for sql.
// It never fails: any fault yields arm 0's hint map.
func (s *Selector) Select(ctx context.Context, sql string) map[string]string {
	return s.Decide(ctx, sql).Arm.Hints()
}

// Decide is Select with the reasoning attached.
func (s *Selector) Decide(ctx context.Context, sql string) Decision {
	start := time.Now()
	d := s.decide(ctx, sql)
	metrics.SelectionDuration.Observe(time.Since(start).Seconds())
	metrics.SelectionTotal.WithLabelValues(d.Reason).Inc()
	if d.Fallback() {
		util.Warnf("selection fell back to arm 0 (%s)", d.Reason)
	} else {
		util.Debugf("selected %s (%s)", d.Arm, d.Reason)
	}
	return d
}

func (s *Selector) decide(ctx context.Context, sql string) (d Decision) {
	d = Decision{Arm: s.catalog.Default(), Predictions: nanSlice(s.catalog.Len())}
	defer func() {
		if r := recover(); r != nil {
			util.Errorf("selection panic: %v", r)
			d = Decision{Arm: s.catalog.Default(), Reason: ReasonPanic, Predictions: nanSlice(s.catalog.Len())}
		}
	}()

	m := s.holder.Load()
	switch {
	case m == nil:
		d.Reason = ReasonNoModel
		return d
	case !m.Trained:
		d.Reason = ReasonUntrained
		return d
	}
	if s.guard != nil {
		query, err := s.guard.ReadOnly(sql)
		if err == nil && !query {
			d.Reason = ReasonNotQuery
			return d
		}
	}
	key := m.Version + "\x00" + sql
	if s.cache != nil {
		if v, found := s.cache.Get(key); found {
			if a, ok := s.catalog.Arm(v.(int)); ok {
				d.Arm = a
				d.Reason = ReasonCached
				return d
			}
		}
	}

	samples := s.orch.ProbeAll(ctx, sql, s.catalog.Arms(), false)
	features := make([][]float64, 0, len(samples))
	armIdx := make([]int, 0, len(samples))
	for _, sample := range samples {
		if sample.Failed() {
			continue
		}
		features = append(features, plan.Featurize(s.pre.Apply(sample.Plan), m.NeedsCache))
		armIdx = append(armIdx, sample.ArmIndex)
	}
	if len(features) == 0 {
		d.Reason = ReasonProbeFailed
		return d
	}
	preds, err := m.Predict(features)
	if err != nil || len(preds) != len(features) {
		if err != nil {
			util.Warnf("cost model predict: %v", err)
		}
		d.Reason = ReasonModelError
		return d
	}
	best := -1
	for i, p := range preds {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			d.Reason = ReasonInvalidPrediction
			return d
		}
		d.Predictions[armIdx[i]] = p
		// Strict comparison keeps the lowest arm index on ties.
		if best < 0 || p < preds[best] {
			best = i
		}
	}
	chosen, ok := s.catalog.Arm(armIdx[best])
	if !ok {
		d.Reason = ReasonModelError
		return d
	}
	if s.cache != nil {
		s.cache.Set(key, chosen.Index, cache.DefaultExpiration)
	}
	d.Arm = chosen
	d.Reason = ReasonModel
	return d
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

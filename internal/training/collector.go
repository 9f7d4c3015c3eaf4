package training

import (
	"context"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/dataset"
	"hintpilot/internal/metrics"
	"hintpilot/internal/plan"
	"hintpilot/internal/probe"
	"hintpilot/internal/util"

	"github.com/pkg/errors"
)

// ErrCollectionExhausted is returned when a step is requested from a cursor
// that has already covered every query.
var ErrCollectionExhausted = errors.New("training collection exhausted")

// Step is the outcome of collecting one query.
type Step struct {
	Rows []dataset.Row
	Next Cursor
	Done bool
	// Failed counts arms that produced no timed plan.
	Failed int
}

// Collector probes one training query per step under every arm, timing
// each execution.
type Collector struct {
	catalog *arm.Catalog
	orch    *probe.Orchestrator
}

// NewCollector builds a collector. Probes run strictly one at a time so
// cache state and timings are not distorted by neighbouring arms.
func NewCollector(catalog *arm.Catalog, p *probe.Probe, timeout time.Duration) *Collector {
	return &Collector{catalog: catalog, orch: probe.NewOrchestrator(p, 1, timeout)}
}

// Step collects the query under cur and returns the rows with the advanced
// cursor. Done is set only when the advanced cursor is at the end.
func (c *Collector) Step(ctx context.Context, cur Cursor) (Step, error) {
	sql, ok := cur.Current()
	if !ok {
		return Step{Next: cur, Done: cur.Done()}, errors.Wrapf(ErrCollectionExhausted, "position %d of %d", cur.Position, len(cur.Queries))
	}
	util.Infof("collecting query %d of %d", cur.Position+1, len(cur.Queries))
	samples := c.orch.ProbeAll(ctx, sql, c.catalog.Arms(), true)
	step := Step{Rows: make([]dataset.Row, 0, len(samples))}
	for _, s := range samples {
		if s.Failed() || !s.Timed {
			step.Failed++
			metrics.TrainingRowsTotal.WithLabelValues("probe_failed").Inc()
			continue
		}
		data, err := plan.Marshal(s.Plan)
		if err != nil {
			step.Failed++
			util.Warnf("encode plan for query %d arm %d: %v", cur.Position, s.ArmIndex, err)
			metrics.TrainingRowsTotal.WithLabelValues("encode_failed").Inc()
			continue
		}
		step.Rows = append(step.Rows, dataset.Row{
			SQL:        sql,
			Plan:       string(data),
			TimeMs:     s.TimeMs(),
			QueryIndex: cur.Position,
			ArmIndex:   s.ArmIndex,
		})
		metrics.TrainingRowsTotal.WithLabelValues("collected").Inc()
	}
	if step.Failed > 0 {
		util.Warnf("query %d: %d of %d arms produced no timed plan", cur.Position, step.Failed, len(samples))
	}
	step.Next = cur.Advance()
	step.Done = step.Next.Done()
	metrics.CollectionStepsTotal.Inc()
	return step, nil
}

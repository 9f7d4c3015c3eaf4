package probe

import (
	"context"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/util"

	"golang.org/x/sync/errgroup"
)

// Orchestrator fans one statement out to many arms over a bounded pool.
type Orchestrator struct {
	probe       *Probe
	concurrency int
	timeout     time.Duration
}

// NewOrchestrator bounds ProbeAll to concurrency in-flight probes (minimum 1).
// A positive timeout caps each probe individually.
func NewOrchestrator(p *Probe, concurrency int, timeout time.Duration) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{probe: p, concurrency: concurrency, timeout: timeout}
}

// Probe returns the underlying single-arm probe.
func (o *Orchestrator) Probe() *Probe { return o.probe }

// ProbeAll probes sql under every arm and returns one sample per arm, in the
// order of arms, whatever order the probes finish in. A failing arm yields a
// sample with Err set and never cancels its siblings. ProbeAll returns only
// after every probe has finished.
func (o *Orchestrator) ProbeAll(ctx context.Context, sql string, arms []arm.Arm, includeTime bool) []Sample {
	samples := make([]Sample, len(arms))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, a := range arms {
		g.Go(func() error {
			probeCtx := ctx
			if o.timeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, o.timeout)
				defer cancel()
			}
			s, err := o.probe.Run(probeCtx, sql, a, includeTime)
			if err != nil {
				util.Warnf("probe arm %d failed: %v", a.Index, err)
			}
			samples[i] = s
			return nil
		})
	}
	_ = g.Wait()
	return samples
}

// Package probe runs one statement under one or more hint arms and captures
// the physical plans the engine produces.
package probe

import (
	"context"
	"fmt"
	"time"

	"hintpilot/internal/arm"
	"hintpilot/internal/db"
	"hintpilot/internal/metrics"
	"hintpilot/internal/plan"
	"hintpilot/internal/util"

	"github.com/pkg/errors"
)

// ErrProbeExecution matches every probe failure, including timeouts.
var ErrProbeExecution = errors.New("probe execution failed")

// ProbeError records which arm failed and why.
type ProbeError struct {
	Arm int
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe arm %d: %v", e.Arm, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ProbeError) Unwrap() error { return e.Err }

// Is makes every ProbeError match ErrProbeExecution.
func (e *ProbeError) Is(target error) bool { return target == ErrProbeExecution }

// Sample is the outcome of probing one arm. Plan carries the buffer cache
// annotation on its root when the model needs cache data.
type Sample struct {
	SQL           string
	Plan          *plan.Node
	BufferCache   plan.BufferCache
	ExecutionTime time.Duration
	Timed         bool
	ArmIndex      int
	QueryIndex    int
	Err           error
}

// Failed reports whether the probe produced no usable plan.
func (s Sample) Failed() bool { return s.Err != nil || s.Plan == nil }

// TimeMs returns the measured execution time in milliseconds.
func (s Sample) TimeMs() float64 {
	return float64(s.ExecutionTime) / float64(time.Millisecond)
}

// Probe executes statements in fresh sessions.
type Probe struct {
	connector  db.Connector
	needsCache bool
}

// New builds a probe. needsCache asks every session for the buffer cache
// state and attaches it to the plan root.
func New(connector db.Connector, needsCache bool) *Probe {
	return &Probe{connector: connector, needsCache: needsCache}
}

// NeedsCache reports whether probes collect buffer cache state.
func (p *Probe) NeedsCache() bool { return p.needsCache }

// Run probes sql under a. The returned sample always names the arm; on
// failure its Err is set and the same error is returned.
func (p *Probe) Run(ctx context.Context, sql string, a arm.Arm, includeTime bool) (sample Sample, err error) {
	sample = Sample{SQL: sql, ArmIndex: a.Index}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("session panic: %v", r)
		}
		if err != nil {
			err = &ProbeError{Arm: a.Index, Err: err}
			sample.Err = err
			sample.Plan = nil
		}
		observe(start, includeTime, err)
	}()

	session, err := p.connector.NewSession(ctx)
	if err != nil {
		return sample, errors.Wrap(err, "new session")
	}
	defer util.CloseWithErr(session, "probe session")

	session.PushHint(a.Hints())
	session.PullPhysicalPlan()
	if p.needsCache {
		session.PullBufferCache()
	}
	if includeTime {
		session.PullExecutionTime()
	}
	data, err := session.Execute(ctx, sql)
	if err != nil {
		return sample, err
	}
	if data == nil || data.PhysicalPlan == nil {
		return sample, errors.New("engine returned no physical plan")
	}
	if includeTime && !data.Timed {
		return sample, errors.New("engine returned no execution time")
	}
	root := data.PhysicalPlan
	if p.needsCache {
		cache := data.BufferCache
		if cache == nil {
			cache = plan.BufferCache{}
		}
		root.Buffers = cache
		sample.BufferCache = cache
	}
	sample.Plan = root
	sample.ExecutionTime = data.ExecutionTime
	sample.Timed = data.Timed
	return sample, nil
}

func observe(start time.Time, timed bool, err error) {
	result := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, db.ErrExecutionTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.ProbeTotal.WithLabelValues(result).Inc()
	metrics.ProbeDuration.WithLabelValues(fmt.Sprint(timed)).Observe(time.Since(start).Seconds())
}

package training

import (
	"context"
	"sync"
	"time"

	"hintpilot/internal/dataset"
	"hintpilot/internal/metrics"
	"hintpilot/internal/model"
	"hintpilot/internal/report"
	"hintpilot/internal/uploader"
	"hintpilot/internal/util"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// State is the lifecycle phase.
type State int

const (
	StateCollecting State = iota
	StateTraining
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateTraining:
		return "training"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when an operation is invoked in a phase that
// does not allow it.
var ErrWrongState = errors.New("operation not allowed in current lifecycle state")

// LifecycleConfig wires a Lifecycle.
type LifecycleConfig struct {
	Queries   []string
	Collector *Collector
	Trainer   *Trainer
	Data      dataset.Store
	Table     string
	Models    model.Store
	ModelName string
	Holder    *model.Holder
	// Reporter and Uploader are optional.
	Reporter *report.Reporter
	Uploader uploader.Uploader
	// OneShot stops after the first successful retrain.
	OneShot bool
	Backend string
}

// Lifecycle alternates collection passes over the training workload with
// retraining. Calls are serialised.
type Lifecycle struct {
	cfg    LifecycleConfig
	mu     sync.Mutex
	state  State
	cursor Cursor
	rounds int
}

// NewLifecycle starts in the collecting state at the first query.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	switch {
	case len(cfg.Queries) == 0:
		return nil, errors.New("lifecycle: empty training workload")
	case cfg.Collector == nil || cfg.Trainer == nil:
		return nil, errors.New("lifecycle: collector and trainer are required")
	case cfg.Data == nil || cfg.Models == nil || cfg.Holder == nil:
		return nil, errors.New("lifecycle: data store, model store and holder are required")
	}
	if err := dataset.ValidateTable(cfg.Table); err != nil {
		return nil, err
	}
	if cfg.Uploader == nil {
		cfg.Uploader = uploader.NoopUploader{}
	}
	return &Lifecycle{cfg: cfg, state: StateCollecting, cursor: NewCursor(cfg.Queries)}, nil
}

// State returns the current phase.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Cursor returns the collection position.
func (l *Lifecycle) Cursor() Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// Rounds returns how many retrains succeeded.
func (l *Lifecycle) Rounds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rounds
}

// NextCollectionStep collects one query and appends its rows to the training
// table. When the pass completes the lifecycle moves to training.
func (l *Lifecycle) NextCollectionStep(ctx context.Context) (Step, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collectLocked(ctx)
}

func (l *Lifecycle) collectLocked(ctx context.Context) (Step, error) {
	if l.state != StateCollecting {
		return Step{}, errors.Wrapf(ErrWrongState, "collect while %s", l.state)
	}
	step, err := l.cfg.Collector.Step(ctx, l.cursor)
	if err != nil {
		return step, err
	}
	// The cursor only moves once the rows are stored, so a failed append
	// retries the same query.
	if err := l.cfg.Data.Append(ctx, l.cfg.Table, step.Rows); err != nil {
		return step, errors.Wrap(err, "append training rows")
	}
	l.cursor = step.Next
	if step.Done {
		l.state = StateTraining
		util.Highlightf("collection pass complete after %d queries; retraining", len(l.cursor.Queries))
	}
	return step, nil
}

// Retrain fits a model on everything collected, persists it, publishes it to
// the holder and records a round report. Afterwards the lifecycle collects
// again, or finishes in one-shot mode.
func (l *Lifecycle) Retrain(ctx context.Context) (*model.Regression, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retrainLocked(ctx)
}

func (l *Lifecycle) retrainLocked(ctx context.Context) (*model.Regression, error) {
	if l.state != StateTraining {
		return nil, errors.Wrapf(ErrWrongState, "retrain while %s", l.state)
	}
	start := time.Now()
	m, rep, err := l.cfg.Trainer.Retrain(ctx, l.cfg.Data, l.cfg.Table)
	if err != nil {
		metrics.RetrainTotal.WithLabelValues("failed").Inc()
		l.writeRound(ctx, nil, rep, time.Since(start), err)
		if errors.Is(err, ErrNoTrainingData) {
			// Nothing to learn from yet; keep collecting unless this was the only pass.
			l.finishRound()
		}
		return nil, err
	}
	if err := l.cfg.Models.Save(ctx, m, l.cfg.ModelName); err != nil {
		metrics.RetrainTotal.WithLabelValues("save_failed").Inc()
		return nil, errors.Wrap(err, "save model")
	}
	prev := l.cfg.Holder.Swap(m)
	metrics.RetrainTotal.WithLabelValues("ok").Inc()
	l.rounds++
	if prev != nil {
		util.Infof("model %s replaced by %s", prev.Version, m.Version)
	}
	l.writeRound(ctx, m, rep, time.Since(start), nil)
	l.finishRound()
	return m, nil
}

func (l *Lifecycle) finishRound() {
	if l.cfg.OneShot {
		l.state = StateFinished
		return
	}
	l.state = StateCollecting
	l.cursor = l.cursor.Rewind()
}

// writeRound records the round on disk and uploads it. Failures are logged;
// they never undo a successful retrain.
func (l *Lifecycle) writeRound(ctx context.Context, m *model.Regression, rep Report, elapsed time.Duration, trainErr error) {
	if l.cfg.Reporter == nil {
		return
	}
	round, err := l.cfg.Reporter.NewRound()
	if err != nil {
		util.Warnf("round report: %v", err)
		return
	}
	summary := report.Summary{
		RoundID:    round.ID,
		ModelName:  l.cfg.ModelName,
		Backend:    l.cfg.Backend,
		Table:      l.cfg.Table,
		RowsRead:   rep.RowsRead,
		RowsKept:   rep.Kept,
		Outliers:   rep.Outliers,
		Malformed:  rep.Malformed,
		DurationMs: elapsed.Milliseconds(),
	}
	if trainErr != nil {
		summary.Error = trainErr.Error()
	}
	if m != nil {
		summary.ModelVersion = m.Version
		summary.Details = map[string]any{"samples": m.Samples, "width": m.Width, "l2": m.L2}
		data, err := model.Encode(m)
		if err != nil {
			util.Warnf("round %d encode model: %v", round.Seq, err)
		} else if err := l.cfg.Reporter.WriteArtifact(round, data); err != nil {
			util.Warnf("round %d artifact: %v", round.Seq, err)
		} else {
			summary.ArtifactBytes = len(data)
		}
	}
	if err := l.cfg.Reporter.WriteSummary(round, summary); err != nil {
		util.Warnf("round %d summary: %v", round.Seq, err)
		return
	}
	if !l.cfg.Uploader.Enabled() {
		util.Infof("round %d written to %s (%s artifact)", round.Seq, round.Dir, humanize.Bytes(uint64(summary.ArtifactBytes)))
		return
	}
	location, err := l.cfg.Uploader.UploadDir(ctx, round.Dir)
	if err != nil {
		util.Warnf("round %d upload: %v", round.Seq, err)
		return
	}
	summary.UploadLocation = location
	if err := l.cfg.Reporter.WriteSummary(round, summary); err != nil {
		util.Warnf("round %d summary: %v", round.Seq, err)
	}
	util.Infof("round %d uploaded to %s", round.Seq, location)
}

// Tick runs whichever phase is due: one collection step or one retrain. It
// does nothing once finished.
func (l *Lifecycle) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateCollecting:
		_, err := l.collectLocked(ctx)
		return err
	case StateTraining:
		_, err := l.retrainLocked(ctx)
		return err
	default:
		return nil
	}
}

// MinRunBackoff is the shortest wait Run allows between failed ticks.
const MinRunBackoff = 100 * time.Millisecond

// Run ticks until the lifecycle finishes or ctx is done. Errors are logged
// and retried after backoff, which is at least MinRunBackoff.
func (l *Lifecycle) Run(ctx context.Context, backoff time.Duration) error {
	if backoff < MinRunBackoff {
		backoff = MinRunBackoff
	}
	for {
		if l.State() == StateFinished {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			util.Errorf("pretraining tick: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
}

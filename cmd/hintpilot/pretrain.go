package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hintpilot/internal/dataset"
	"hintpilot/internal/metrics"
	"hintpilot/internal/report"
	"hintpilot/internal/training"
	"hintpilot/internal/uploader"
	"hintpilot/internal/util"
	"hintpilot/internal/workload"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type pretrainOptions struct {
	queries string
	oneShot bool
	backoff time.Duration
}

func newPretrainCommand(root *rootOptions) *cobra.Command {
	opts := &pretrainOptions{}
	cmd := &cobra.Command{
		Use:   "pretrain",
		Short: "Collect the training workload under every arm and retrain the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPretrain(ctx, root, opts, cmd.Flags().Changed("one-shot"))
		},
	}
	cmd.Flags().StringVar(&opts.queries, "queries", "", "training workload file (overrides training.queries_file)")
	cmd.Flags().BoolVar(&opts.oneShot, "one-shot", false, "stop after the first retrain (overrides training.one_shot)")
	cmd.Flags().DurationVar(&opts.backoff, "backoff", 5*time.Second, "wait between failed lifecycle steps")
	return cmd
}

func runPretrain(ctx context.Context, root *rootOptions, opts *pretrainOptions, oneShotSet bool) error {
	s, err := openStack(ctx, root)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg
	if opts.queries != "" {
		cfg.Training.QueriesFile = opts.queries
	}
	if oneShotSet {
		cfg.Training.OneShot = opts.oneShot
	}
	if cfg.Training.QueriesFile == "" {
		return errors.New("no training workload: set training.queries_file or --queries")
	}
	queries, err := workload.LoadQueries(cfg.Training.QueriesFile, cfg.Training.MaxQueries)
	if err != nil {
		return err
	}

	data, err := dataset.OpenSQLite(cfg.Dataset.Path)
	if err != nil {
		return err
	}
	s.addCloser("training store", data)

	up, err := uploader.New(cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "uploader")
	}
	trainer, err := training.NewTrainer(s.backend, s.probe.NeedsCache(), cfg.Model.L2, cfg.Training.OutlierNodeTypes)
	if err != nil {
		return err
	}
	life, err := training.NewLifecycle(training.LifecycleConfig{
		Queries:   queries,
		Collector: training.NewCollector(s.catalog, s.probe, s.timeout),
		Trainer:   trainer,
		Data:      data,
		Table:     cfg.Training.Table,
		Models:    s.models,
		ModelName: cfg.Model.Name,
		Holder:    s.holder,
		Reporter:  report.New(cfg.Report.OutputDir),
		Uploader:  up,
		OneShot:   cfg.Training.OneShot,
		Backend:   string(s.backend),
	})
	if err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
			util.Errorf("metrics listener: %v", err)
		}
	}()

	util.Highlightf("pretraining on %d queries x %d arms (one-shot=%v)", len(queries), s.catalog.Len(), cfg.Training.OneShot)
	err = life.Run(ctx, opts.backoff)
	util.Infof("pretraining stopped in state %s after %d round(s)", life.State(), life.Rounds())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"hintpilot/internal/probe"
	"hintpilot/internal/selector"
	"hintpilot/internal/training"
	"hintpilot/internal/validator"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type selectOptions struct {
	file    string
	explain bool
}

func newSelectCommand(root *rootOptions) *cobra.Command {
	opts := &selectOptions{}
	cmd := &cobra.Command{
		Use:   "select [sql]",
		Short: "Print the hint set chosen for a statement",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readStatement(args, opts.file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			s, err := openStack(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer s.Close()

			pre, err := training.PreprocessorFor(s.backend)
			if err != nil {
				return err
			}
			orch := probe.NewOrchestrator(s.probe, s.cfg.Probe.Concurrency, s.timeout)
			sel := selector.New(s.catalog, orch, s.holder,
				selector.WithGuard(validator.New()),
				selector.WithPreprocessor(pre),
				selector.WithCache(time.Duration(s.cfg.Selection.CacheTTLSeconds)*time.Second),
			)
			d := sel.Decide(cmd.Context(), sql)
			return writeDecision(cmd.OutOrStdout(), d, opts.explain)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "read the statement from a file ('-' for stdin)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "also print the reason and per-arm predictions")
	return cmd
}

func readStatement(args []string, file string, stdin io.Reader) (string, error) {
	var sql string
	switch {
	case len(args) == 1 && file != "":
		return "", errors.New("pass the statement as an argument or with --file, not both")
	case len(args) == 1:
		sql = args[0]
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "read stdin")
		}
		sql = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", errors.Wrapf(err, "read %s", file)
		}
		sql = string(data)
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", errors.New("no statement given")
	}
	return sql, nil
}

// decisionOutput is the printable form of a decision. Unscored arms have a
// null prediction.
type decisionOutput struct {
	Arm         int               `json:"arm"`
	Hints       map[string]string `json:"hints"`
	Reason      string            `json:"reason,omitempty"`
	Predictions []*float64        `json:"predictions,omitempty"`
}

func writeDecision(w io.Writer, d selector.Decision, explain bool) error {
	out := decisionOutput{Arm: d.Arm.Index, Hints: d.Arm.Hints()}
	if explain {
		out.Reason = d.Reason
		out.Predictions = make([]*float64, len(d.Predictions))
		for i, p := range d.Predictions {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				continue
			}
			out.Predictions[i] = &p
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

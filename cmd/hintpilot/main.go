// Package main provides the hintpilot CLI.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at link time.
var version = "dev"

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "hintpilot",
		Short: "Learned query hint selection",
		Long: `hintpilot picks, per statement, the planner hint set a learned cost
model predicts to be cheapest, and pretrains that model on a fixed workload.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults when empty)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newSelectCommand(opts))
	root.AddCommand(newPretrainCommand(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hintpilot %s\n", version)
		},
	})
	return root
}

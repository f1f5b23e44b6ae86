package cli

import (
	"github.com/spf13/cobra"
)

type RunOptions struct {
	PipelineFile string
	MetricsAddr  string
	Resume       bool
	DryRun       bool
}

func NewRunCmd(root *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		RunE: func(c *cobra.Command, args []string) error {
			return runPipeline(c.Context(), root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.PipelineFile, "file", "f", "pipeline.yaml", "Path to pipeline file")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9100)")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Resume from the saved checkpoint if there is one")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Run extract and transform stages but write nothing")

	return cmd
}

func NewValidateCmd(root *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline file without running it",
		RunE: func(c *cobra.Command, args []string) error {
			return runValidate(c, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "pipeline.yaml", "Path to pipeline file")
	return cmd
}

package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit ./path/to/job.yaml",
		Short: "Submit a job described by a YAML definition file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Submit(args[0], wait, timeout)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish and print its result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait for the job (0 waits forever)")
	return cmd
}

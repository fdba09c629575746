package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print the current status of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Status(args[0])
		},
	}
}

func resultCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "result <jobId>",
		Short: "Wait for a job to finish and print its result payload.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Result(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait for the job (0 waits forever)")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Request cancellation of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Cancel(args[0])
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <jobId>",
		Short: "Delete a job server-side. Deleting a job that is already gone is not an error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Delete(args[0])
		},
	}
}

func watchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch <jobId>",
		Short: "Stream interim and final results of a job until it finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initApp()
			if err != nil {
				return err
			}
			return app.Watch(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to watch the job (0 waits forever)")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	var flagMaxTasks int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker until the queue is idle (or --max-tasks is reached)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.newWorker().RunLoop(cmd.Context(), flagMaxTasks)
			if summary != nil {
				if perr := printJSON(summary); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&flagMaxTasks, "max-tasks", 0, "stop after this many tasks (0 = until idle)")
	return cmd
}

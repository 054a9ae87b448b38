package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDedupCommand() *cobra.Command {
	var (
		flagUser string
		flagRun  string
	)
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Run semantic dedup over the candidate window for one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			userID := a.resolveUser(flagUser)
			runID := flagRun
			if runID == "" {
				runs, err := a.runs.ListRuns(cmd.Context(), userID, 1)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					return fmt.Errorf("no ingestion runs for user %s; run ingest first or pass --run", userID)
				}
				runID = runs[0].ID
			}

			clusters, duplicates, err := a.newDedupEngine().Run(cmd.Context(), userID, runID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"run_id":     runID,
				"clusters":   clusters,
				"duplicates": duplicates,
			})
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	cmd.Flags().StringVar(&flagRun, "run", "", "ingestion run id to attribute clusters to (defaults to latest)")
	return cmd
}

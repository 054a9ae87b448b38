package main

import (
	"github.com/spf13/cobra"
)

func newIngestCommand() *cobra.Command {
	var flagUser string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion activation: fetch feeds, backfill gaps, dedup on full drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			userID := a.resolveUser(flagUser)
			if err := a.articles.EnsureUser(cmd.Context(), userID, userID); err != nil {
				return err
			}

			result, err := a.newOrchestrator().Run(cmd.Context(), userID)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var flagUser string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth and per-user article counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			userID := a.resolveUser(flagUser)

			taskCounts, err := a.tasks.CountTasksByStatus(ctx)
			if err != nil {
				return err
			}
			articleCount, err := a.articles.CountArticles(ctx, userID)
			if err != nil {
				return err
			}
			openGaps, err := a.gaps.ListOpenGaps(ctx, userID, a.cfg.Ingest.SourceName, 0)
			if err != nil {
				return err
			}

			return printJSON(map[string]any{
				"user_id":   userID,
				"tasks":     taskCounts,
				"articles":  articleCount,
				"open_gaps": len(openGaps),
			})
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	return cmd
}

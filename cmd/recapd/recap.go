package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/recapd/recapd/pkg/recap"
)

func newRecapCommand() *cobra.Command {
	var (
		flagUser string
		flagDate string
	)
	cmd := &cobra.Command{
		Use:   "recap",
		Short: "Run the recap pipeline end to end and persist the digest",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			userID := a.resolveUser(flagUser)
			date := flagDate
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}

			rc := a.cfg.Recap
			coordinator := recap.NewCoordinator(recap.Config{
				ArticleWindow:  hours(rc.ArticleWindowHr),
				MaxArticles:    rc.MaxArticles,
				PollInterval:   seconds(rc.PollSec),
				StaleRunAfter:  minutes(rc.StaleRunMinutes),
				TaskTimeoutSec: rc.TaskTimeoutSec,
				MaxAttempts:    rc.MaxAttempts,
			}, a.recapRuns, a.tasks, a.articles, a.outputs,
				a.newWorkdirManager(), &a.cfg.Routing,
				recap.NewReadabilityFetcher(nil, 0))

			output, err := coordinator.Run(cmd.Context(), userID, date)
			if err != nil {
				return err
			}
			return printJSON(output)
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	cmd.Flags().StringVar(&flagDate, "date", "", "business date YYYY-MM-DD (defaults to today UTC)")
	return cmd
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/recapd/recapd/pkg/cleanup"
)

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run one retention pass: prune links, GC articles, expire embeddings and gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			retention := cleanup.NewService(cleanup.Config{
				ArticleKeepDays: a.cfg.Cleanup.ArticleKeepDays,
				GapTTL:          hours(24 * a.cfg.Cleanup.GapTTLDays),
				TaskStaleAfter:  minutes(a.cfg.Queue.StaleAfterMinutes),
			}, a.articles, a.embeddings, a.gaps, a.tasks)
			return retention.RunOnce(cmd.Context())
		},
	}
}

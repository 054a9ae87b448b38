package main

import (
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var (
		flagUser  string
		flagLimit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List ingestion runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.runs.ListRuns(cmd.Context(), a.resolveUser(flagUser), flagLimit)
			if err != nil {
				return err
			}

			w := newTable()
			fprintRow(w, "RUN", "SOURCE", "STATUS", "STARTED", "FINISHED", "INGESTED", "UPDATED", "SKIPPED", "DUPES", "GAPS", "ERROR")
			for _, r := range runs {
				fprintRow(w, r.ID, r.Source, r.Status,
					r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
					formatTime(r.FinishedAt),
					r.Ingested, r.Updated, r.Skipped, r.DedupDuplicates, r.GapsOpened,
					truncate(orDash(r.ErrorSummary), 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "max rows")
	return cmd
}

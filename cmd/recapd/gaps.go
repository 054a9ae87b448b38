package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGapsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Inspect and resolve ingestion gaps",
	}

	var (
		flagUser   string
		flagSource string
		flagLimit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List open gaps, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			source := flagSource
			if source == "" {
				source = a.cfg.Ingest.SourceName
			}
			gaps, err := a.gaps.ListOpenGaps(cmd.Context(), a.resolveUser(flagUser), source, flagLimit)
			if err != nil {
				return err
			}

			w := newTable()
			fprintRow(w, "GAP", "SOURCE", "FROM", "TO", "ERROR_CODE", "RETRY_AFTER", "CREATED")
			for _, g := range gaps {
				fprintRow(w, g.ID, g.Source,
					orDash(g.FromCursor), orDash(g.ToCursor),
					g.ErrorCode, formatTime(g.RetryAfter),
					g.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	list.Flags().StringVar(&flagSource, "source", "", "source name (defaults to configured source)")
	list.Flags().IntVar(&flagLimit, "limit", 50, "max rows")

	resolve := &cobra.Command{
		Use:   "resolve <gap-id>",
		Short: "Mark a gap resolved so backfill stops retrying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.gaps.ResolveGap(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("resolved")
			return nil
		},
	}

	cmd.AddCommand(list, resolve)
	return cmd
}

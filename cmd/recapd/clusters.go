package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClustersCommand() *cobra.Command {
	var (
		flagUser string
		flagRun  string
	)
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "List dedup clusters for an ingestion run",
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
					return fmt.Errorf("no ingestion runs for user %s", userID)
				}
				runID = runs[0].ID
			}

			clusters, err := a.clusters.ListClusters(cmd.Context(), userID, runID)
			if err != nil {
				return err
			}

			w := newTable()
			fprintRow(w, "CLUSTER", "REPRESENTATIVE", "MODEL", "THRESHOLD", "ALT_SOURCES")
			for _, c := range clusters {
				fprintRow(w, c.ClusterID, c.RepresentativeArticleID, c.ModelName,
					fmt.Sprintf("%.2f", c.Threshold), truncate(c.AltSources, 80))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (defaults to configured default_user)")
	cmd.Flags().StringVar(&flagRun, "run", "", "ingestion run id (defaults to latest)")
	return cmd
}

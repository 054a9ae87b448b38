package main

import (
	"github.com/spf13/cobra"
)

func newGCCommand() *cobra.Command {
	var flagDryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete articles no user references, plus their raw payloads and resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.articles.GCUnreferencedArticles(cmd.Context(), flagDryRun)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "count without deleting")
	return cmd
}

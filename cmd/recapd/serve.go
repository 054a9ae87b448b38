package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/recapd/recapd/pkg/cleanup"
	"github.com/recapd/recapd/pkg/metrics"
	"github.com/recapd/recapd/pkg/queue"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, cleanup loop, and metrics listener until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			pool := queue.NewPool(queue.PoolConfig{
				Workers:    a.cfg.Queue.Workers,
				StaleAfter: minutes(a.cfg.Queue.StaleAfterMinutes),
			}, a.tasks, a.newWorker)

			retention := cleanup.NewService(cleanup.Config{
				Interval:        minutes(a.cfg.Cleanup.IntervalMinutes),
				ArticleKeepDays: a.cfg.Cleanup.ArticleKeepDays,
				GapTTL:          hours(24 * a.cfg.Cleanup.GapTTLDays),
				TaskStaleAfter:  minutes(a.cfg.Queue.StaleAfterMinutes),
			}, a.articles, a.embeddings, a.gaps, a.tasks)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pool.Run(gctx) })
			g.Go(func() error {
				retention.Run(gctx)
				return nil
			})
			g.Go(func() error { return metrics.Serve(gctx, a.cfg.Metrics.Addr) })

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

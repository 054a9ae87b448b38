package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/recapd/recapd/pkg/agent"
	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/dedup"
	"github.com/recapd/recapd/pkg/ingest"
	"github.com/recapd/recapd/pkg/queue"
	"github.com/recapd/recapd/pkg/rss"
	"github.com/recapd/recapd/pkg/services"
	"github.com/recapd/recapd/pkg/version"
	"github.com/recapd/recapd/pkg/workdir"
)

var (
	flagConfig  string
	flagLogFmt  string
	flagVerbose bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "recapd",
		Short:         "News recap pipeline: ingest, dedup, queue, recap",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("RECAPD_CONFIG"), "path to config YAML")
	root.PersistentFlags().StringVar(&flagLogFmt, "log-format", "text", "log format: text or json")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCommand(),
		newIngestCommand(),
		newDedupCommand(),
		newRecapCommand(),
		newWorkerCommand(),
		newTasksCommand(),
		newRunsCommand(),
		newGapsCommand(),
		newClustersCommand(),
		newGCCommand(),
		newPruneCommand(),
		newStatsCommand(),
		newSmokeCommand(),
	)
	return root
}

func setupLogging() {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(flagLogFmt, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// app bundles the config, database client, and service layer every command
// needs.
type app struct {
	cfg *config.Config
	db  *database.Client

	runs       *services.RunService
	gaps       *services.GapService
	articles   *services.ArticleService
	embeddings *services.EmbeddingService
	clusters   *services.ClusterService
	feedStates *services.FeedStateService
	tasks      *services.TaskService
	outputs    *services.OutputService
	recapRuns  *services.RecapRunService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &app{
		cfg:        cfg,
		db:         client,
		runs:       services.NewRunService(client),
		gaps:       services.NewGapService(client),
		articles:   services.NewArticleService(client),
		embeddings: services.NewEmbeddingService(client),
		clusters:   services.NewClusterService(client),
		feedStates: services.NewFeedStateService(client),
		tasks:      services.NewTaskService(client),
		outputs:    services.NewOutputService(client),
		recapRuns:  services.NewRecapRunService(client),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}

// resolveUser picks the --user flag or the configured default.
func (a *app) resolveUser(flagUser string) string {
	if flagUser != "" {
		return flagUser
	}
	return a.cfg.DefaultUser
}

func (a *app) newOrchestrator() *ingest.Orchestrator {
	ingestCfg := a.cfg.Ingest
	sourceFactory := func(userID string) ingest.PageSource {
		fetcher := rss.NewFetcher(nil, a.feedStates, ingestCfg.UserAgent)
		return rss.NewSource(rss.Config{
			SourceName:     ingestCfg.SourceName,
			FeedURLs:       ingestCfg.FeedURLs,
			PageSize:       ingestCfg.PageSize,
			SnapshotMaxAge: hours(ingestCfg.SnapshotMaxAgeHr),
		}, fetcher, a.feedStates, userID)
	}
	return ingest.NewOrchestrator(ingest.Config{
		SourceName:    ingestCfg.SourceName,
		StaleRunAfter: minutes(ingestCfg.StaleRunMinutes),
		MaxPages:      ingestCfg.MaxPages,
	}, a.runs, a.gaps, a.articles, sourceFactory, a.newDedupEngine())
}

func (a *app) newDedupEngine() *dedup.Engine {
	return dedup.NewEngine(dedup.Config{
		Threshold:       a.cfg.Dedup.Threshold,
		CandidateWindow: hours(a.cfg.Dedup.CandidateWindowH),
		EmbeddingTTL:    hours(24 * a.cfg.Dedup.EmbeddingTTLDays),
	}, a.articles, a.embeddings, a.clusters, dedup.NewHashingEmbedder(a.cfg.Dedup.Dim))
}

func (a *app) newWorker() *queue.Worker {
	q := a.cfg.Queue
	return queue.NewWorker(queue.Config{
		PollInterval:      seconds(q.PollIntervalSec),
		HeartbeatInterval: seconds(q.HeartbeatSec),
		Retry: queue.RetryPolicy{
			Base:            seconds(q.RetryBaseSec),
			Max:             seconds(q.RetryMaxSec),
			TimeoutRetryCap: q.TimeoutRetryCapSec,
		},
	}, a.tasks, agent.NewBackend(), &a.cfg.Routing)
}

func (a *app) newWorkdirManager() *workdir.Manager {
	return workdir.NewManager(a.cfg.Queue.WorkdirRoot)
}

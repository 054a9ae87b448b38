package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/agent"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
	"github.com/recapd/recapd/pkg/workdir"
)

// Pipeline step names recorded on the recap run.
const (
	StepClassify         = "classify"
	StepResourceLoad     = "resource_load"
	StepEnrich           = "enrich"
	StepGroup            = "group"
	StepResourceLoadFull = "resource_load_full"
	StepEnrichFull       = "enrich_full"
	StepSynthesize       = "synthesize"
	StepCompose          = "compose"
)

// Config controls the coordinator.
type Config struct {
	ArticleWindow  time.Duration
	MaxArticles    int
	PollInterval   time.Duration
	StaleRunAfter  time.Duration
	ResourceTTL    time.Duration
	TaskTimeoutSec int
	MaxAttempts    int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ArticleWindow <= 0 {
		out.ArticleWindow = 24 * time.Hour
	}
	if out.MaxArticles <= 0 {
		out.MaxArticles = 120
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 3 * time.Second
	}
	if out.StaleRunAfter <= 0 {
		out.StaleRunAfter = 30 * time.Minute
	}
	if out.ResourceTTL <= 0 {
		out.ResourceTTL = 48 * time.Hour
	}
	if out.TaskTimeoutSec <= 0 {
		out.TaskTimeoutSec = 600
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	return out
}

// Coordinator runs the recap pipeline end to end for one user and business
// date. Every LLM step is its own durable task so a crashed pipeline resumes
// by re-running only the steps that have not succeeded.
type Coordinator struct {
	cfg       Config
	recapRuns *services.RecapRunService
	tasks     *services.TaskService
	articles  *services.ArticleService
	outputs   *services.OutputService
	workdirs  *workdir.Manager
	routing   *agent.RoutingDefaults
	fetcher   *cachingFetcher
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	cfg Config,
	recapRuns *services.RecapRunService,
	tasks *services.TaskService,
	articles *services.ArticleService,
	outputs *services.OutputService,
	workdirs *workdir.Manager,
	routing *agent.RoutingDefaults,
	fetcher ResourceFetcher,
) *Coordinator {
	c := cfg.withDefaults()
	return &Coordinator{
		cfg:       c,
		recapRuns: recapRuns,
		tasks:     tasks,
		articles:  articles,
		outputs:   outputs,
		workdirs:  workdirs,
		routing:   routing,
		fetcher:   newCachingFetcher(fetcher, articles, c.ResourceTTL),
		logger:    slog.With("component", "recap_coordinator"),
	}
}

// pipelineArticle is the in-memory projection threaded between steps;
// enrichment replaces its title and text.
type pipelineArticle struct {
	models.Article
	Verdict string
}

// groupedEvent is one event from the group step.
type groupedEvent struct {
	EventID      string   `json:"event_id"`
	Title        string   `json:"title"`
	Significance string   `json:"significance"`
	ArticleIDs   []string `json:"article_ids"`
	TopicTags    []string `json:"topic_tags"`
}

// enrichedArticle is one entry of an enrich-step result.
type enrichedArticle struct {
	ArticleID string `json:"article_id"`
	NewTitle  string `json:"new_title"`
	CleanText string `json:"clean_text"`
}

// themeBlocks is the compose-step result.
type themeBlocks struct {
	ThemeBlocks []struct {
		Theme  string `json:"theme"`
		Recaps []struct {
			Headline string   `json:"headline"`
			Body     string   `json:"body"`
			Sources  []string `json:"sources"`
		} `json:"recaps"`
	} `json:"theme_blocks"`
	Meta map[string]any `json:"meta"`
}

// Run executes the pipeline and persists the composed digest as the user's
// highlights output for the business date.
func (c *Coordinator) Run(ctx context.Context, userID, businessDate string) (*models.UserOutput, error) {
	recapRunID, err := c.recapRuns.StartRecapRun(ctx, userID, businessDate, c.cfg.StaleRunAfter)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("recap_run_id", recapRunID, "user_id", userID, "business_date", businessDate)
	logger.Info("Recap pipeline started")

	output, err := c.runSteps(ctx, recapRunID, userID, businessDate, logger)
	if err != nil {
		if ferr := c.recapRuns.Finish(ctx, recapRunID, "failed", err.Error()); ferr != nil {
			logger.Error("Failed to mark recap run failed", "error", ferr)
		}
		return nil, err
	}
	if err := c.recapRuns.Finish(ctx, recapRunID, "succeeded", ""); err != nil {
		return nil, err
	}
	logger.Info("Recap pipeline finished")
	return output, nil
}

func (c *Coordinator) runSteps(ctx context.Context, recapRunID, userID, businessDate string, logger *slog.Logger) (*models.UserOutput, error) {
	since := time.Now().UTC().Add(-c.cfg.ArticleWindow)
	rows, err := c.articles.ListRecentArticles(ctx, userID, since, c.cfg.MaxArticles)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		logger.Info("No articles in window; nothing to recap")
		return nil, nil
	}

	articles := make([]*pipelineArticle, len(rows))
	for i := range rows {
		articles[i] = &pipelineArticle{Article: rows[i]}
	}

	// Step 1: classify.
	if err := c.setStep(ctx, recapRunID, StepClassify); err != nil {
		return nil, err
	}
	if err := c.classify(ctx, recapRunID, userID, articles); err != nil {
		return nil, err
	}
	kept := filterVerdicts(articles, "ok", "enrich")
	needEnrich := filterVerdicts(articles, "enrich")
	logger.Info("Classified articles",
		"total", len(articles), "kept", len(kept), "enrich", len(needEnrich))
	if len(kept) == 0 {
		return nil, nil
	}

	// Step 2: resource load for enrich-flagged articles.
	if err := c.setStep(ctx, recapRunID, StepResourceLoad); err != nil {
		return nil, err
	}
	resources := c.loadResources(ctx, needEnrich, logger)

	// Step 3: enrich.
	if len(needEnrich) > 0 {
		if err := c.setStep(ctx, recapRunID, StepEnrich); err != nil {
			return nil, err
		}
		if err := c.enrich(ctx, recapRunID, userID, models.TaskTypeRecapEnrich, needEnrich, resources); err != nil {
			return nil, err
		}
	}

	// Step 4: group into events.
	if err := c.setStep(ctx, recapRunID, StepGroup); err != nil {
		return nil, err
	}
	events, err := c.group(ctx, recapRunID, userID, kept)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	// Step 4b: full resource load for significant events.
	if err := c.setStep(ctx, recapRunID, StepResourceLoadFull); err != nil {
		return nil, err
	}
	fullArticles := significantArticles(events, kept)
	fullResources := c.loadResources(ctx, fullArticles, logger)

	// Step 4c: full enrich.
	if len(fullArticles) > 0 {
		if err := c.setStep(ctx, recapRunID, StepEnrichFull); err != nil {
			return nil, err
		}
		if err := c.enrich(ctx, recapRunID, userID, models.TaskTypeRecapEnrichFull, fullArticles, fullResources); err != nil {
			return nil, err
		}
	}

	// Step 5: synthesize per event.
	if err := c.setStep(ctx, recapRunID, StepSynthesize); err != nil {
		return nil, err
	}
	eventFiles, err := c.synthesize(ctx, recapRunID, userID, kept, events)
	if err != nil {
		return nil, err
	}

	// Step 6: compose the digest.
	if err := c.setStep(ctx, recapRunID, StepCompose); err != nil {
		return nil, err
	}
	return c.compose(ctx, recapRunID, userID, businessDate, kept, eventFiles)
}

func (c *Coordinator) setStep(ctx context.Context, recapRunID, step string) error {
	return c.recapRuns.SetStep(ctx, recapRunID, step)
}

// classify enqueues the classify task and reads one verdict file per
// article. A missing or unknown verdict keeps the article without
// enrichment, so a flaky agent never silently drops coverage.
func (c *Coordinator) classify(ctx context.Context, recapRunID, userID string, articles []*pipelineArticle) error {
	inputs := make(map[string]string, len(articles))
	for _, a := range articles {
		inputs[a.ID+"_in.txt"] = a.Title + "\n\n" + a.CleanText
	}

	created, _, err := c.runTask(ctx, recapRunID, userID, models.TaskTypeRecapClassify,
		"Classify each article in input/resources as ok, enrich, or trash. "+
			"Write one <id>_out.txt per <id>_in.txt into output/results containing a single verdict.",
		indexFor(articles), inputs)
	if err != nil {
		return err
	}

	for _, a := range articles {
		verdict := readVerdict(filepath.Join(created.Manifest.ResultsDir, a.ID+"_out.txt"))
		a.Verdict = verdict
	}
	return nil
}

func readVerdict(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "ok"
	}
	switch v := strings.ToLower(strings.TrimSpace(string(data))); v {
	case "ok", "enrich", "trash":
		return v
	default:
		return "ok"
	}
}

// loadResources fetches full text for the given articles. Fetch failures are
// logged and skipped; enrichment degrades to feed content.
func (c *Coordinator) loadResources(ctx context.Context, articles []*pipelineArticle, logger *slog.Logger) map[string]string {
	resources := make(map[string]string)
	for _, a := range articles {
		text, err := c.fetcher.fetch(ctx, a.URLHash, a.URL)
		if err != nil {
			logger.Warn("Resource load failed", "article_id", a.ID, "url", a.URL, "error", err)
			continue
		}
		blob, _ := json.Marshal(map[string]string{
			"article_id": a.ID,
			"url":        a.URL,
			"content":    text,
		})
		resources[a.ID+"_resource.json"] = string(blob)
	}
	return resources
}

// enrich runs one enrich-family task and applies the returned titles and
// texts in place.
func (c *Coordinator) enrich(ctx context.Context, recapRunID, userID, taskType string, articles []*pipelineArticle, resources map[string]string) error {
	_, raw, err := c.runTask(ctx, recapRunID, userID, taskType,
		"Rewrite each article in the index using the loaded resources. "+
			`Return {"enriched": [{"article_id", "new_title", "clean_text"}]}.`,
		indexFor(articles), resources)
	if err != nil {
		return err
	}

	var result struct {
		Enriched []enrichedArticle `json:"enriched"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to parse enrich result: %w", err)
	}

	byID := make(map[string]*pipelineArticle, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}
	for _, e := range result.Enriched {
		a, ok := byID[e.ArticleID]
		if !ok {
			continue
		}
		if e.NewTitle != "" {
			a.Title = e.NewTitle
		}
		if e.CleanText != "" {
			a.CleanText = e.CleanText
		}
	}
	return nil
}

func (c *Coordinator) group(ctx context.Context, recapRunID, userID string, kept []*pipelineArticle) ([]groupedEvent, error) {
	texts := make(map[string]string, len(kept))
	for _, a := range kept {
		texts[a.ID+"_article.txt"] = a.Title + "\n\n" + a.CleanText
	}

	_, raw, err := c.runTask(ctx, recapRunID, userID, models.TaskTypeRecapGroup,
		"Group the indexed articles into news events. "+
			`Return {"events": [{"event_id", "title", "significance", "article_ids", "topic_tags"}]}.`,
		indexFor(kept), texts)
	if err != nil {
		return nil, err
	}

	var result struct {
		Events []groupedEvent `json:"events"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse group result: %w", err)
	}
	return result.Events, nil
}

// significantArticles selects the unique articles behind events that are
// high or medium significance, or span at least two articles.
func significantArticles(events []groupedEvent, kept []*pipelineArticle) []*pipelineArticle {
	byID := make(map[string]*pipelineArticle, len(kept))
	for _, a := range kept {
		byID[a.ID] = a
	}

	seen := make(map[string]bool)
	var out []*pipelineArticle
	for _, ev := range events {
		significant := ev.Significance == "high" || ev.Significance == "medium" || len(ev.ArticleIDs) >= 2
		if !significant {
			continue
		}
		for _, id := range ev.ArticleIDs {
			if a, ok := byID[id]; ok && !seen[id] {
				seen[id] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// synthesize runs the per-event synthesis task and returns the event result
// files keyed by file name.
func (c *Coordinator) synthesize(ctx context.Context, recapRunID, userID string, kept []*pipelineArticle, events []groupedEvent) (map[string]string, error) {
	inputs := make(map[string]string)
	for _, a := range kept {
		inputs[a.ID+"_article.txt"] = a.Title + "\n\n" + a.CleanText
	}
	eventsBlob, _ := json.Marshal(map[string]any{"events": events})
	inputs["events.json"] = string(eventsBlob)

	created, _, err := c.runTask(ctx, recapRunID, userID, models.TaskTypeRecapSynthesize,
		"For each event in input/resources/events.json write output/results/event_<event_id>.json "+
			`with {"synthesis", "summary", "key_facts", "sources_used"}. Return {"status": "ok"}.`,
		indexFor(kept), inputs)
	if err != nil {
		return nil, err
	}

	files := make(map[string]string)
	for _, ev := range events {
		name := "event_" + ev.EventID + ".json"
		data, err := os.ReadFile(filepath.Join(created.Manifest.ResultsDir, name))
		if err != nil {
			continue
		}
		files[name] = string(data)
	}
	return files, nil
}

// compose runs the final task and persists the digest as a highlights
// output with one block per recap.
func (c *Coordinator) compose(ctx context.Context, recapRunID, userID, businessDate string, kept []*pipelineArticle, eventFiles map[string]string) (*models.UserOutput, error) {
	_, raw, err := c.runTask(ctx, recapRunID, userID, models.TaskTypeRecapCompose,
		"Compose the daily digest from the synthesized events in input/resources. "+
			`Return {"theme_blocks": [{"theme", "recaps": [{"headline", "body", "sources"}]}], "meta": {}}.`,
		indexFor(kept), eventFiles)
	if err != nil {
		return nil, err
	}

	var composed themeBlocks
	if err := json.Unmarshal(raw, &composed); err != nil {
		return nil, fmt.Errorf("failed to parse compose result: %w", err)
	}

	var blocks []models.UserOutputBlock
	for _, theme := range composed.ThemeBlocks {
		for _, recap := range theme.Recaps {
			sources, _ := json.Marshal(recap.Sources)
			text := recap.Headline
			if recap.Body != "" {
				text += "\n\n" + recap.Body
			}
			if theme.Theme != "" {
				text = theme.Theme + ": " + text
			}
			blocks = append(blocks, models.UserOutputBlock{
				Text:      text,
				SourceIDs: string(sources),
			})
		}
	}

	return c.outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: services.OutputIdentity{
			UserID:       userID,
			Kind:         models.OutputKindHighlights,
			BusinessDate: businessDate,
		},
		Title:  "Daily recap " + businessDate,
		Blocks: blocks,
	})
}

// runTask materializes a workdir, enqueues the task with routing frozen at
// enqueue time, waits for a terminal state, and returns the created workdir
// plus the raw agent result.
func (c *Coordinator) runTask(ctx context.Context, recapRunID, userID, taskType, prompt string, index *workdir.ArticlesIndex, resources map[string]string) (*workdir.Created, json.RawMessage, error) {
	frozen, err := c.routing.Resolve(taskType, agent.RoutingOverrides{}, models.RoutingResolvedByEnqueue)
	if err != nil {
		return nil, nil, err
	}

	created, err := c.workdirs.Create(uuid.New().String(), &workdir.TaskInput{
		TaskType: taskType,
		Prompt:   prompt,
		Metadata: workdir.TaskMetadata{Routing: frozen},
	}, index, workdir.CreateOptions{
		ContractVersion:  workdir.ContractV3,
		WithResourcesDir: true,
		WithResultsDir:   true,
	})
	if err != nil {
		return nil, nil, err
	}

	for name, content := range resources {
		path := filepath.Join(created.Manifest.ResourcesDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, nil, fmt.Errorf("failed to write resource %s: %w", name, err)
		}
	}

	task, err := c.tasks.EnqueueTask(ctx, services.EnqueueTaskRequest{
		UserID:            userID,
		TaskType:          taskType,
		TimeoutSeconds:    c.cfg.TaskTimeoutSec,
		MaxAttempts:       c.cfg.MaxAttempts,
		InputManifestPath: created.ManifestPath,
	})
	if err != nil {
		return nil, nil, err
	}

	final, err := c.waitTerminal(ctx, recapRunID, task.ID)
	if err != nil {
		return nil, nil, err
	}
	if final.Status != models.TaskStatusSucceeded {
		summary := ""
		if final.ErrorSummary != nil {
			summary = *final.ErrorSummary
		}
		return nil, nil, fmt.Errorf("%s task %s ended %s: %s", taskType, task.ID, final.Status, summary)
	}

	raw, err := os.ReadFile(created.Manifest.ResultPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s result: %w", taskType, err)
	}
	return created, raw, nil
}

func (c *Coordinator) waitTerminal(ctx context.Context, recapRunID, taskID string) (*models.Task, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if err := c.recapRuns.Touch(ctx, recapRunID); err != nil {
			c.logger.Warn("Failed to touch recap run", "recap_run_id", recapRunID, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func filterVerdicts(articles []*pipelineArticle, verdicts ...string) []*pipelineArticle {
	want := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		want[v] = true
	}
	var out []*pipelineArticle
	for _, a := range articles {
		if want[a.Verdict] {
			out = append(out, a)
		}
	}
	return out
}

func indexFor(articles []*pipelineArticle) *workdir.ArticlesIndex {
	entries := make([]workdir.ArticleIndexEntry, len(articles))
	for i, a := range articles {
		published := a.PublishedAt
		entries[i] = workdir.ArticleIndexEntry{
			SourceID:    "article:" + a.ID,
			Title:       a.Title,
			URL:         a.URL,
			Source:      &a.SourceName,
			PublishedAt: &published,
		}
	}
	return &workdir.ArticlesIndex{Articles: entries}
}

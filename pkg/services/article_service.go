package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// ArticleService manages global articles, their aliases, per-user links,
// raw payloads, and garbage collection.
type ArticleService struct {
	client *database.Client
}

// NewArticleService creates a new ArticleService.
func NewArticleService(client *database.Client) *ArticleService {
	return &ArticleService{client: client}
}

// EnsureUser upserts the user row that per-user data hangs off.
func (s *ArticleService) EnsureUser(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return NewValidationError("user_id", "required")
	}
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name`,
		userID, displayName)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// UpsertArticle reconciles one normalized source article into the global
// article table and links it to the user. Resolution order:
//
//  1. Alias table by (source_name, external_id).
//  2. For generated IDs, the fallback key (source | url hash | published).
//  3. For generated IDs, the canonical URL hash within the source.
//  4. Fresh insert; a lost insert race re-resolves.
//
// A stable incoming ID matching a row that still carries a generated ID
// promotes the row's external_id. Returns the per-user effect.
func (s *ArticleService) UpsertArticle(ctx context.Context, userID string, art *models.SourceArticle) (models.UpsertAction, error) {
	if userID == "" {
		return "", NewValidationError("user_id", "required")
	}
	if art.SourceName == "" || art.ExternalID == "" {
		return "", NewValidationError("external_id", "source_name and external_id required")
	}

	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	action, err := s.upsertInTx(ctx, tx, userID, art)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit upsert: %w", err)
	}
	return action, nil
}

func (s *ArticleService) upsertInTx(ctx context.Context, tx *sqlx.Tx, userID string, art *models.SourceArticle) (models.UpsertAction, error) {
	generated := hasGeneratedPrefix(art.ExternalID)

	existing, err := s.resolve(ctx, tx, art, generated)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rowChanged := false
	fresh := false

	if existing == nil {
		inserted, err := s.insertArticle(ctx, tx, art, generated, now)
		if err != nil {
			if !isUniqueViolation(err) {
				return "", err
			}
			// Lost an insert race or collided on the fallback key: re-resolve.
			existing, err = s.resolve(ctx, tx, art, true)
			if err != nil {
				return "", err
			}
			if existing == nil {
				return "", fmt.Errorf("article insert collided but re-resolution found nothing for (%s, %s)", art.SourceName, art.ExternalID)
			}
		} else {
			existing = inserted
			fresh = true
		}
	}

	if err := s.ensureAlias(ctx, tx, art.SourceName, art.ExternalID, existing.ID); err != nil {
		return "", err
	}

	if !fresh {
		rowChanged, err = s.updateMutableFields(ctx, tx, existing, art, generated, now)
		if err != nil {
			return "", err
		}
	}

	linkCreated, err := s.ensureUserArticle(ctx, tx, userID, existing.ID, now)
	if err != nil {
		return "", err
	}

	switch {
	case linkCreated:
		return models.UpsertInserted, nil
	case rowChanged:
		return models.UpsertUpdated, nil
	default:
		return models.UpsertSkipped, nil
	}
}

// resolve finds the existing article row for an incoming source article, or
// nil when a fresh insert is needed. useFallback widens the search to the
// fallback key and canonical URL; it is set for generated IDs and after an
// insert race, when the collision may be on any key.
func (s *ArticleService) resolve(ctx context.Context, tx *sqlx.Tx, art *models.SourceArticle, useFallback bool) (*models.Article, error) {
	var article models.Article

	// 1. Alias table.
	err := tx.GetContext(ctx, &article,
		`SELECT a.* FROM articles a
		 JOIN article_external_ids x ON x.article_id = a.article_id
		 WHERE x.source_name = ? AND x.external_id = ?`,
		art.SourceName, art.ExternalID)
	if err == nil {
		return &article, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed alias lookup: %w", err)
	}

	// Direct row (covers rows created before their alias).
	err = tx.GetContext(ctx, &article,
		`SELECT * FROM articles WHERE source_name = ? AND external_id = ?`,
		art.SourceName, art.ExternalID)
	if err == nil {
		return &article, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed article lookup: %w", err)
	}

	if !useFallback {
		return nil, nil
	}

	// 2. Fallback key.
	err = tx.GetContext(ctx, &article,
		`SELECT * FROM articles WHERE fallback_key = ?`, art.FallbackKey())
	if err == nil {
		return &article, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed fallback lookup: %w", err)
	}

	// 3. Canonical URL within the source.
	err = tx.GetContext(ctx, &article,
		`SELECT * FROM articles WHERE source_name = ? AND url_hash = ?
		 ORDER BY created_at ASC LIMIT 1`,
		art.SourceName, art.URLHash)
	if err == nil {
		return &article, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed url lookup: %w", err)
	}

	return nil, nil
}

func (s *ArticleService) insertArticle(ctx context.Context, tx *sqlx.Tx, art *models.SourceArticle, generated bool, now time.Time) (*models.Article, error) {
	id := uuid.New().String()
	var fallbackKey *string
	if generated {
		fk := art.FallbackKey()
		fallbackKey = &fk
	}
	var lang *string
	if art.Language != "" {
		lang = &art.Language
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO articles
		   (article_id, source_name, external_id, fallback_key, url, url_hash,
		    title, source_domain, published_at, language, raw_text, clean_text,
		    is_truncated, is_full_content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, art.SourceName, art.ExternalID, fallbackKey, art.URL, art.URLHash,
		art.Title, art.SourceDomain, art.PublishedAt.UTC(), lang, art.RawText,
		art.CleanText, art.IsTruncated, art.IsFullContent, now, now)
	if err != nil {
		return nil, err
	}
	return &models.Article{
		ID:          id,
		SourceName:  art.SourceName,
		ExternalID:  art.ExternalID,
		FallbackKey: fallbackKey,
		CreatedAt:   now,
	}, nil
}

func (s *ArticleService) ensureAlias(ctx context.Context, tx *sqlx.Tx, sourceName, externalID, articleID string) error {
	var boundTo string
	err := tx.GetContext(ctx, &boundTo,
		`SELECT article_id FROM article_external_ids WHERE source_name = ? AND external_id = ?`,
		sourceName, externalID)
	if err == nil {
		if boundTo != articleID {
			return &AliasCollisionError{
				SourceName: sourceName,
				ExternalID: externalID,
				ExistingID: boundTo,
				WantedID:   articleID,
			}
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed alias check: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO article_external_ids (source_name, external_id, article_id) VALUES (?, ?, ?)`,
		sourceName, externalID, articleID)
	if err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	return nil
}

// updateMutableFields refreshes article content and handles ID promotion.
// Returns whether the row actually changed.
func (s *ArticleService) updateMutableFields(ctx context.Context, tx *sqlx.Tx, existing *models.Article, art *models.SourceArticle, generated bool, now time.Time) (bool, error) {
	var current models.Article
	if err := tx.GetContext(ctx, &current,
		`SELECT * FROM articles WHERE article_id = ?`, existing.ID); err != nil {
		return false, fmt.Errorf("failed to reload article: %w", err)
	}

	newExternalID := current.ExternalID
	if !generated && current.HasGeneratedID() {
		// Promote the generated ID to the stable one.
		newExternalID = art.ExternalID
	}

	changed := newExternalID != current.ExternalID ||
		current.Title != art.Title ||
		current.URL != art.URL ||
		current.RawText != art.RawText ||
		current.CleanText != art.CleanText ||
		!current.PublishedAt.Equal(art.PublishedAt) ||
		current.IsTruncated != art.IsTruncated ||
		current.IsFullContent != art.IsFullContent
	if !changed {
		return false, nil
	}

	var lang *string
	if art.Language != "" {
		lang = &art.Language
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE articles
		 SET external_id = ?, url = ?, url_hash = ?, title = ?, source_domain = ?,
		     published_at = ?, language = COALESCE(?, language),
		     raw_text = ?, clean_text = ?, is_truncated = ?, is_full_content = ?,
		     updated_at = ?
		 WHERE article_id = ?`,
		newExternalID, art.URL, art.URLHash, art.Title, art.SourceDomain,
		art.PublishedAt.UTC(), lang, art.RawText, art.CleanText,
		art.IsTruncated, art.IsFullContent, now, existing.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update article: %w", err)
	}
	return true, nil
}

func (s *ArticleService) ensureUserArticle(ctx context.Context, tx *sqlx.Tx, userID, articleID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_articles (user_id, article_id, discovered_at)
		 VALUES (?, ?, ?) ON CONFLICT(user_id, article_id) DO NOTHING`,
		userID, articleID, now)
	if err != nil {
		return false, fmt.Errorf("failed to link user article: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertRawArticle stores the original unparsed feed payload.
func (s *ArticleService) UpsertRawArticle(ctx context.Context, sourceName, externalID, payload string) error {
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO article_raw (source_name, external_id, payload) VALUES (?, ?, ?)
		 ON CONFLICT(source_name, external_id) DO UPDATE SET payload = excluded.payload`,
		sourceName, externalID, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert raw article: %w", err)
	}
	return nil
}

// GetArticle loads one article.
func (s *ArticleService) GetArticle(ctx context.Context, articleID string) (*models.Article, error) {
	var article models.Article
	err := s.client.GetContext(ctx, &article,
		`SELECT * FROM articles WHERE article_id = ?`, articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return &article, nil
}

// ListDedupCandidates returns the user's articles published on or after the
// cutoff, projected for the dedup engine.
func (s *ArticleService) ListDedupCandidates(ctx context.Context, userID string, since time.Time) ([]models.DedupCandidate, error) {
	var candidates []models.DedupCandidate
	err := s.client.SelectContext(ctx, &candidates,
		`SELECT a.article_id, a.title, a.published_at, a.clean_text,
		        LENGTH(a.clean_text) AS clean_text_chars
		 FROM articles a
		 JOIN user_articles ua ON ua.article_id = a.article_id
		 WHERE ua.user_id = ? AND a.published_at >= ?
		 ORDER BY a.published_at DESC, a.article_id ASC`,
		userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list dedup candidates: %w", err)
	}
	return candidates, nil
}

// ListUserIDs returns every known user ID.
func (s *ArticleService) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.client.SelectContext(ctx, &ids, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

// ListRecentArticles returns the user's full article rows published on or
// after the cutoff, newest first.
func (s *ArticleService) ListRecentArticles(ctx context.Context, userID string, since time.Time, limit int) ([]models.Article, error) {
	if limit <= 0 {
		limit = 200
	}
	var articles []models.Article
	err := s.client.SelectContext(ctx, &articles,
		`SELECT a.* FROM articles a
		 JOIN user_articles ua ON ua.article_id = a.article_id
		 WHERE ua.user_id = ? AND a.published_at >= ?
		 ORDER BY a.published_at DESC, a.article_id ASC
		 LIMIT ?`,
		userID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent articles: %w", err)
	}
	return articles, nil
}

// CountArticles returns the number of articles visible to the user.
func (s *ArticleService) CountArticles(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.client.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM user_articles WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

// PruneUserArticles removes a user's links to articles discovered before the
// retention window. Articles themselves survive until no user references them.
func (s *ArticleService) PruneUserArticles(ctx context.Context, userID string, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, NewValidationError("keep_days", "must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	res, err := s.client.ExecContext(ctx,
		`DELETE FROM user_articles WHERE user_id = ? AND discovered_at < ?`,
		userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune user articles: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GCResult summarizes one garbage-collection pass.
type GCResult struct {
	Articles  int64 `json:"articles"`
	RawRows   int64 `json:"raw_rows"`
	Resources int64 `json:"resources"`
	DryRun    bool  `json:"dry_run"`
}

// GCUnreferencedArticles deletes articles with no user_article link, their
// raw payloads, and article resources whose URL hash no longer appears under
// any live article or whose expires_at has passed. Citation snapshots are
// never touched.
func (s *ArticleService) GCUnreferencedArticles(ctx context.Context, dryRun bool) (GCResult, error) {
	result := GCResult{DryRun: dryRun}

	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const orphanArticles = `SELECT article_id FROM articles a
		WHERE NOT EXISTS (SELECT 1 FROM user_articles ua WHERE ua.article_id = a.article_id)`
	const orphanRaw = `SELECT COUNT(*) FROM article_raw r
		WHERE EXISTS (SELECT 1 FROM articles a
		              WHERE a.source_name = r.source_name AND a.external_id = r.external_id
		                AND NOT EXISTS (SELECT 1 FROM user_articles ua WHERE ua.article_id = a.article_id))`
	const orphanResources = `SELECT COUNT(*) FROM article_resources res
		WHERE (res.expires_at IS NOT NULL AND res.expires_at < ?)
		   OR NOT EXISTS (
		        SELECT 1 FROM articles a
		        JOIN user_articles ua ON ua.article_id = a.article_id
		        WHERE a.url_hash = res.url_hash)`

	now := time.Now().UTC()

	if dryRun {
		if err := tx.GetContext(ctx, &result.Articles,
			`SELECT COUNT(*) FROM (`+orphanArticles+`)`); err != nil {
			return result, fmt.Errorf("failed to count orphan articles: %w", err)
		}
		if err := tx.GetContext(ctx, &result.RawRows, orphanRaw); err != nil {
			return result, fmt.Errorf("failed to count orphan raw rows: %w", err)
		}
		if err := tx.GetContext(ctx, &result.Resources, orphanResources, now); err != nil {
			return result, fmt.Errorf("failed to count orphan resources: %w", err)
		}
		return result, nil
	}

	// Raw payloads first: keyed by (source, external_id), not by FK.
	res, err := tx.ExecContext(ctx,
		`DELETE FROM article_raw WHERE (source_name, external_id) IN (
		   SELECT a.source_name, a.external_id FROM articles a
		   WHERE NOT EXISTS (SELECT 1 FROM user_articles ua WHERE ua.article_id = a.article_id))`)
	if err != nil {
		return result, fmt.Errorf("failed to delete orphan raw rows: %w", err)
	}
	result.RawRows, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM articles WHERE article_id IN (`+orphanArticles+`)`)
	if err != nil {
		return result, fmt.Errorf("failed to delete orphan articles: %w", err)
	}
	result.Articles, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM article_resources
		 WHERE (expires_at IS NOT NULL AND expires_at < ?)
		    OR NOT EXISTS (
		         SELECT 1 FROM articles a
		         JOIN user_articles ua ON ua.article_id = a.article_id
		         WHERE a.url_hash = article_resources.url_hash)`, now)
	if err != nil {
		return result, fmt.Errorf("failed to delete orphan resources: %w", err)
	}
	result.Resources, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit gc: %w", err)
	}

	slog.Info("Article GC complete",
		"articles", result.Articles, "raw_rows", result.RawRows, "resources", result.Resources)
	return result, nil
}

// SaveArticleResource stores fetched URL content keyed by URL hash.
func (s *ArticleService) SaveArticleResource(ctx context.Context, urlHash, kind, content string, expiresAt *time.Time) error {
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO article_resources (url_hash, kind, content, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(url_hash, kind) DO UPDATE SET content = excluded.content, expires_at = excluded.expires_at`,
		urlHash, kind, content, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save article resource: %w", err)
	}
	return nil
}

// GetArticleResource loads cached URL content, or ErrNotFound.
func (s *ArticleService) GetArticleResource(ctx context.Context, urlHash, kind string) (string, error) {
	var content string
	err := s.client.GetContext(ctx, &content,
		`SELECT content FROM article_resources WHERE url_hash = ? AND kind = ?`, urlHash, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get article resource: %w", err)
	}
	return content, nil
}

func hasGeneratedPrefix(externalID string) bool {
	return len(externalID) >= len(models.GeneratedIDPrefix) &&
		externalID[:len(models.GeneratedIDPrefix)] == models.GeneratedIDPrefix
}

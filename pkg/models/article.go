package models

import "time"

// GeneratedIDPrefix marks external IDs synthesized from feed item content
// when the feed carries no stable GUID. Generated IDs may later be promoted
// to stable ones via the alias table.
const GeneratedIDPrefix = "generated:"

// Article is the globally shared article row, identified by
// (source_name, external_id) and shared across users through UserArticle links.
type Article struct {
	ID            string     `db:"article_id" json:"article_id"`
	SourceName    string     `db:"source_name" json:"source_name"`
	ExternalID    string     `db:"external_id" json:"external_id"`
	FallbackKey   *string    `db:"fallback_key" json:"fallback_key,omitempty"`
	URL           string     `db:"url" json:"url"`
	URLHash       string     `db:"url_hash" json:"url_hash"`
	Title         string     `db:"title" json:"title"`
	SourceDomain  string     `db:"source_domain" json:"source_domain"`
	PublishedAt   time.Time  `db:"published_at" json:"published_at"`
	Language      *string    `db:"language" json:"language,omitempty"`
	RawText       string     `db:"raw_text" json:"raw_text"`
	CleanText     string     `db:"clean_text" json:"clean_text"`
	IsTruncated   bool       `db:"is_truncated" json:"is_truncated"`
	IsFullContent bool       `db:"is_full_content" json:"is_full_content"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// HasGeneratedID reports whether the article's external ID was synthesized.
func (a *Article) HasGeneratedID() bool {
	return len(a.ExternalID) >= len(GeneratedIDPrefix) &&
		a.ExternalID[:len(GeneratedIDPrefix)] == GeneratedIDPrefix
}

// ArticleExternalID is an alias row mapping an additional
// (source_name, external_id) pair to an existing article.
type ArticleExternalID struct {
	SourceName string    `db:"source_name" json:"source_name"`
	ExternalID string    `db:"external_id" json:"external_id"`
	ArticleID  string    `db:"article_id" json:"article_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// UserArticle links an article into one user's visibility and retention scope.
type UserArticle struct {
	UserID       string    `db:"user_id" json:"user_id"`
	ArticleID    string    `db:"article_id" json:"article_id"`
	DiscoveredAt time.Time `db:"discovered_at" json:"discovered_at"`
	State        string    `db:"state" json:"state"`
}

// ArticleRaw holds the original unparsed feed payload for an article.
type ArticleRaw struct {
	SourceName string    `db:"source_name" json:"source_name"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Payload    string    `db:"payload" json:"payload"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// UpsertAction describes the effect of upserting one article for a user.
type UpsertAction string

// Upsert outcomes.
const (
	UpsertInserted UpsertAction = "inserted"
	UpsertUpdated  UpsertAction = "updated"
	UpsertSkipped  UpsertAction = "skipped"
)

// SourceArticle is a normalized article as produced by a source, before it
// is persisted. CleanText and derived fields are filled by the normalizer.
type SourceArticle struct {
	SourceName    string    `json:"source_name"`
	ExternalID    string    `json:"external_id"`
	URL           string    `json:"url"`
	URLHash       string    `json:"url_hash"`
	Title         string    `json:"title"`
	SourceDomain  string    `json:"source_domain"`
	PublishedAt   time.Time `json:"published_at"`
	Language      string    `json:"language,omitempty"`
	RawText       string    `json:"raw_text"`
	CleanText     string    `json:"clean_text"`
	IsTruncated   bool      `json:"is_truncated"`
	IsFullContent bool      `json:"is_full_content"`
	RawPayload    string    `json:"raw_payload"`
}

// FallbackKey builds the generated-ID reconciliation key: articles whose
// external IDs were synthesized match on (source, url hash, published time).
func (s *SourceArticle) FallbackKey() string {
	return s.SourceName + "|" + s.URLHash + "|" + s.PublishedAt.UTC().Format(time.RFC3339)
}

package models

import "time"

// DedupCandidate is the per-user projection the dedup engine clusters over.
type DedupCandidate struct {
	ArticleID      string    `db:"article_id" json:"article_id"`
	Title          string    `db:"title" json:"title"`
	PublishedAt    time.Time `db:"published_at" json:"published_at"`
	CleanText      string    `db:"clean_text" json:"clean_text"`
	CleanTextChars int       `db:"clean_text_chars" json:"clean_text_chars"`
}

// ArticleEmbedding is a stored embedding vector for an article, unique per
// (article_id, model_name). The blob is a packed little-endian float32 array.
type ArticleEmbedding struct {
	ArticleID string    `db:"article_id" json:"article_id"`
	ModelName string    `db:"model_name" json:"model_name"`
	Dim       int       `db:"dim" json:"dim"`
	Blob      []byte    `db:"blob" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// DedupCluster is one per-run cluster of semantically equivalent articles.
// ClusterID is a deterministic hash of the sorted member IDs.
type DedupCluster struct {
	UserID                  string    `db:"user_id" json:"user_id"`
	RunID                   string    `db:"run_id" json:"run_id"`
	ClusterID               string    `db:"cluster_id" json:"cluster_id"`
	RepresentativeArticleID string    `db:"representative_article_id" json:"representative_article_id"`
	AltSources              string    `db:"alt_sources" json:"alt_sources"`
	ModelName               string    `db:"model_name" json:"model_name"`
	Threshold               float64   `db:"threshold" json:"threshold"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
}

// ArticleDedup is one article's membership in a cluster. Exactly one member
// per cluster carries IsRepresentative; SimilarityToRep is in [-1, 1].
type ArticleDedup struct {
	UserID           string  `db:"user_id" json:"user_id"`
	RunID            string  `db:"run_id" json:"run_id"`
	ArticleID        string  `db:"article_id" json:"article_id"`
	ClusterID        string  `db:"cluster_id" json:"cluster_id"`
	IsRepresentative bool    `db:"is_representative" json:"is_representative"`
	SimilarityToRep  float64 `db:"similarity_to_rep" json:"similarity_to_rep"`
}

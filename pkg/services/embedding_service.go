package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// EmbeddingService stores article embedding vectors as packed little-endian
// float32 blobs, unique per (article_id, model_name), with a TTL.
type EmbeddingService struct {
	client *database.Client
}

// NewEmbeddingService creates a new EmbeddingService.
func NewEmbeddingService(client *database.Client) *EmbeddingService {
	return &EmbeddingService{client: client}
}

// EncodeVector packs a float32 vector into the storage blob format.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a storage blob into a float32 vector of dim entries.
func DecodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("embedding blob is %d bytes, want %d for dim %d", len(blob), 4*dim, dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// GetEmbeddings returns unexpired vectors for the given articles under one
// model name, keyed by article ID.
func (s *EmbeddingService) GetEmbeddings(ctx context.Context, articleIDs []string, modelName string, now time.Time) (map[string][]float32, error) {
	out := make(map[string][]float32, len(articleIDs))
	if len(articleIDs) == 0 {
		return out, nil
	}

	// Chunked to stay under the SQLite variable limit.
	const chunk = 500
	for start := 0; start < len(articleIDs); start += chunk {
		end := start + chunk
		if end > len(articleIDs) {
			end = len(articleIDs)
		}
		ids := articleIDs[start:end]

		query := `SELECT article_id, model_name, dim, blob, created_at, expires_at
		          FROM article_embeddings
		          WHERE model_name = ? AND expires_at > ? AND article_id IN (?` +
			repeatPlaceholders(len(ids)-1) + `)`
		args := make([]any, 0, len(ids)+2)
		args = append(args, modelName, now.UTC())
		for _, id := range ids {
			args = append(args, id)
		}

		var rows []models.ArticleEmbedding
		if err := s.client.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("failed to load embeddings: %w", err)
		}
		for _, row := range rows {
			vec, err := DecodeVector(row.Blob, row.Dim)
			if err != nil {
				return nil, fmt.Errorf("article %s: %w", row.ArticleID, err)
			}
			out[row.ArticleID] = vec
		}
	}
	return out, nil
}

// SaveEmbedding upserts one vector with the given TTL.
func (s *EmbeddingService) SaveEmbedding(ctx context.Context, articleID, modelName string, vec []float32, ttl time.Duration) error {
	if len(vec) == 0 {
		return NewValidationError("vector", "must be non-empty")
	}
	now := time.Now().UTC()
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO article_embeddings (article_id, model_name, dim, blob, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(article_id, model_name) DO UPDATE
		 SET dim = excluded.dim, blob = excluded.blob,
		     created_at = excluded.created_at, expires_at = excluded.expires_at`,
		articleID, modelName, len(vec), EncodeVector(vec), now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	return nil
}

// DeleteExpiredEmbeddings removes vectors whose TTL has passed.
func (s *EmbeddingService) DeleteExpiredEmbeddings(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.client.ExecContext(ctx,
		`DELETE FROM article_embeddings WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired embeddings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func repeatPlaceholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, ',', '?')
	}
	return string(out)
}

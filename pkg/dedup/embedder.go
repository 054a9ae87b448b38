// Package dedup clusters a user's recent articles by semantic similarity so
// downstream recap steps see one representative per story instead of every
// syndicated copy.
package dedup

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns embedding texts into fixed-dimension unit vectors. Vectors
// from different model names are never compared against each other.
type Embedder interface {
	ModelName() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder is the dependency-free fallback embedder: hashed word
// unigrams and bigrams folded into a fixed-size vector, L2-normalized.
// It is deterministic and needs no network, which also makes tests stable.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a HashingEmbedder. dim <= 0 defaults to 256.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) ModelName() string { return "hashing-ngram-v1" }

func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed hashes each text's unigrams and bigrams into a vector per text.
func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashingEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}
	normalize(vec)
	return vec
}

func addFeature(vec []float32, feature string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	// Top bit picks the sign so hash collisions tend to cancel.
	if sum&(1<<63) != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Mismatched lengths (vectors cached under a different dim) score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

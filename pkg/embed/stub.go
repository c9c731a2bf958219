package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// Stub is a deterministic, dependency-free [Embedder] for tests and
// environments with no embedding provider configured. It hashes overlapping
// character trigrams into a fixed-size vector and L2-normalizes the result,
// so that repeated or overlapping text produces similar vectors without any
// external call — the vector-space analogue of [summarizer.Stub].
type Stub struct {
	Dim int
}

var _ Embedder = Stub{}

// NewStub creates a Stub embedder with the given dimensionality (default
// 384 if dim <= 0).
func NewStub(dim int) Stub {
	if dim <= 0 {
		dim = 384
	}
	return Stub{Dim: dim}
}

// Embed returns the embedding vector for a single text.
func (s Stub) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	return s.vector(text), nil
}

// EmbedBatch returns embedding vectors for multiple texts.
func (s Stub) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "" {
			return nil, ErrEmptyInput
		}
		out[i] = s.vector(t)
	}
	return out, nil
}

// Dimension returns the configured vector dimensionality.
func (s Stub) Dimension() int {
	if s.Dim <= 0 {
		return 384
	}
	return s.Dim
}

func (s Stub) vector(text string) []float32 {
	dim := s.Dimension()
	vec := make([]float32, dim)

	runes := []rune(text)
	const n = 3
	if len(runes) < n {
		runes = append(runes, make([]rune, n-len(runes))...)
	}
	for i := 0; i+n <= len(runes); i++ {
		h := fnv.New32a()
		for _, r := range runes[i : i+n] {
			h.Write([]byte(string(r)))
		}
		bucket := int(h.Sum32()) % dim
		if bucket < 0 {
			bucket += dim
		}
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

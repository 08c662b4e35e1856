package embedcache

import (
	"context"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/xxxsen/mpractice/internal/ai"
)

// lookup returns cached vectors keyed by position in keys.
type lookup func(ctx context.Context, keys []string) (hits map[int][]float32, err error)

// embedMisses fills the vectors lookup could not resolve by calling next once
// for all misses, then hands every fresh vector to store.
func embedMisses(ctx context.Context, next ai.IEmbedClient, texts []string, keys []string, get lookup,
	store func(ctx context.Context, key string, vec []float32)) ([][]float32, error) {
	hits, err := get(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i := range texts {
		if vec, ok := hits[i]; ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vectors, err := next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		// let the caller's count check report it
		return vectors, nil
	}
	for j, i := range missIdx {
		out[i] = vectors[j]
		store(ctx, keys[i], vectors[j])
	}
	return out, nil
}

func contentHash(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func modelKey(modelName string) string {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return "unknown"
	}
	return modelName
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}

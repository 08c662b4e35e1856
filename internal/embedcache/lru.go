package embedcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/ai"
)

// WrapLRU keeps recent vectors in process memory.
func WrapLRU(next ai.IEmbedClient, size int, ttl time.Duration) ai.IEmbedClient {
	if next == nil || size <= 0 || ttl <= 0 {
		return next
	}
	return &lruClient{
		next:  next,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

type lruClient struct {
	next  ai.IEmbedClient
	cache *expirable.LRU[string, []float32]
}

func (l *lruClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	prefix := modelKey(l.next.ModelName()) + ":"
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = prefix + contentHash(text)
	}
	get := func(ctx context.Context, keys []string) (map[int][]float32, error) {
		hits := make(map[int][]float32)
		for i, key := range keys {
			if vec, ok := l.cache.Get(key); ok {
				hits[i] = cloneEmbedding(vec)
			}
		}
		if len(hits) > 0 {
			logutil.GetLogger(ctx).Debug("embedding cache hit (lru)", zap.Int("hits", len(hits)), zap.Int("total", len(keys)))
		}
		return hits, nil
	}
	store := func(_ context.Context, key string, vec []float32) {
		l.cache.Add(key, cloneEmbedding(vec))
	}
	return embedMisses(ctx, l.next, texts, keys, get, store)
}

func (l *lruClient) ModelName() string {
	return l.next.ModelName()
}

func (l *lruClient) ProviderName() string {
	return l.next.ProviderName()
}

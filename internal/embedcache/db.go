package embedcache

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mpractice/internal/ai"
	"github.com/xxxsen/mpractice/internal/model"
)

type IStore interface {
	GetMany(ctx context.Context, modelName string, hashes []string) (map[string][]float32, error)
	Save(ctx context.Context, item *model.EmbeddingCache) error
}

// WrapDB persists vectors by (model, content hash) so re-ingesting the same
// text skips the provider.
func WrapDB(next ai.IEmbedClient, store IStore) ai.IEmbedClient {
	if next == nil || store == nil {
		return next
	}
	return &dbClient{next: next, store: store}
}

type dbClient struct {
	next  ai.IEmbedClient
	store IStore
}

func (d *dbClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	modelName := modelKey(d.next.ModelName())
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = contentHash(text)
	}
	get := func(ctx context.Context, keys []string) (map[int][]float32, error) {
		found, err := d.store.GetMany(ctx, modelName, keys)
		if err != nil {
			logutil.GetLogger(ctx).Warn("read embedding cache failed", zap.Error(err))
			return nil, nil
		}
		hits := make(map[int][]float32, len(found))
		for i, key := range keys {
			if vec, ok := found[key]; ok {
				hits[i] = vec
			}
		}
		if len(hits) > 0 {
			logutil.GetLogger(ctx).Debug("embedding cache hit (db)", zap.Int("hits", len(hits)), zap.Int("total", len(keys)))
		}
		return hits, nil
	}
	save := func(ctx context.Context, key string, vec []float32) {
		if err := d.store.Save(ctx, &model.EmbeddingCache{
			ModelName:   modelName,
			ContentHash: key,
			Embedding:   vec,
			Ctime:       time.Now().Unix(),
		}); err != nil {
			logutil.GetLogger(ctx).Warn("failed to cache embedding", zap.Error(err))
		}
	}
	return embedMisses(ctx, d.next, texts, keys, get, save)
}

func (d *dbClient) ModelName() string {
	return d.next.ModelName()
}

func (d *dbClient) ProviderName() string {
	return d.next.ProviderName()
}

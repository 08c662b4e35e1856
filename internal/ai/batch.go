package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

const DefaultBatchSize = 64

type BatchOption func(*BatchEmbedder)

func WithBatchSize(n int) BatchOption {
	return func(b *BatchEmbedder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithRateLimit paces batch requests; rps <= 0 disables pacing.
func WithRateLimit(rps float64) BatchOption {
	return func(b *BatchEmbedder) {
		if rps > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithDimension(dim int) BatchOption {
	return func(b *BatchEmbedder) {
		b.dim = dim
	}
}

// WithBatchHook is called after every successful batch.
func WithBatchHook(fn func(model string, size int)) BatchOption {
	return func(b *BatchEmbedder) {
		b.hook = fn
	}
}

type BatchEmbedder struct {
	client    IEmbedClient
	batchSize int
	dim       int
	limiter   *rate.Limiter
	hook      func(model string, size int)
}

func NewBatchEmbedder(client IEmbedClient, opts ...BatchOption) *BatchEmbedder {
	b := &BatchEmbedder{client: client, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BatchEmbedder) ModelName() string {
	return b.client.ModelName()
}

func (b *BatchEmbedder) ProviderName() string {
	return b.client.ProviderName()
}

// EmbedMany returns one vector per text in input order.
func (b *BatchEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	err := b.EmbedEach(ctx, texts, func(_ int, vectors [][]float32) error {
		out = append(out, vectors...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedEach embeds texts batch by batch and hands every batch to fn before
// requesting the next one. start is the offset of the batch inside texts.
func (b *BatchEmbedder) EmbedEach(ctx context.Context, texts []string, fn func(start int, vectors [][]float32) error) error {
	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		vectors, err := b.client.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return b.providerErr(err)
		}
		if len(vectors) != end-start {
			return b.providerErr(fmt.Errorf("got %d vectors for %d texts", len(vectors), end-start))
		}
		if b.dim > 0 {
			for i, vec := range vectors {
				if len(vec) != b.dim {
					return b.providerErr(fmt.Errorf("vector %d has dimension %d, want %d", start+i, len(vec), b.dim))
				}
			}
		}
		if b.hook != nil {
			b.hook(b.client.ModelName(), len(vectors))
		}
		if err := fn(start, vectors); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchEmbedder) providerErr(err error) error {
	return appErr.NewProvider(b.client.ProviderName(), b.client.ModelName(), err)
}

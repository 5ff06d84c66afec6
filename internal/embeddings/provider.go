package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
)

// Embedder produces a raw embedding for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Provider is the embedding entry point used by the registry. It consults
// the cache, calls the embedder on a miss, and enforces the vector length.
type Provider struct {
	embedder  Embedder
	modelName string
	cache     Cache // nil = no caching
	logger    *zap.Logger

	onEmbed func(d time.Duration, success bool)
	onCache func(hit bool)
}

// NewProvider creates a Provider. cache may be nil.
func NewProvider(embedder Embedder, modelName string, cache Cache, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{embedder: embedder, modelName: modelName, cache: cache, logger: logger}
}

// SetMetricsRecorder registers callbacks for embedding latency and cache results.
func (p *Provider) SetMetricsRecorder(onEmbed func(time.Duration, bool), onCache func(bool)) {
	p.onEmbed = onEmbed
	p.onCache = onCache
}

// EmbedText returns a vector of exactly model.EmbeddingDimensions components
// or an error wrapping model.ErrEmbedding.
func (p *Provider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var key string
	if p.cache != nil {
		key = CacheKey(p.modelName, text)
		if vec, ok := p.cache.Get(ctx, key); ok && len(vec) == model.EmbeddingDimensions {
			p.recordCache(true)
			return vec, nil
		}
		p.recordCache(false)
	}

	start := time.Now()
	vec, err := p.embedder.EmbedText(ctx, text)
	switch {
	case err != nil && !errors.Is(err, model.ErrEmbedding):
		err = fmt.Errorf("%w: %v", model.ErrEmbedding, err)
	case err == nil && len(vec) != model.EmbeddingDimensions:
		err = fmt.Errorf("%w: invalid dimensions: got %d, want %d", model.ErrEmbedding, len(vec), model.EmbeddingDimensions)
	}
	if p.onEmbed != nil {
		p.onEmbed(time.Since(start), err == nil)
	}
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		p.cache.Set(ctx, key, vec)
	}
	return vec, nil
}

// EmbedAgent embeds the searchable text of an agent's describing fields.
func (p *Provider) EmbedAgent(ctx context.Context, name, description string, caps model.Capabilities) ([]float32, error) {
	return p.EmbedText(ctx, BuildSearchableText(name, description, caps))
}

func (p *Provider) recordCache(hit bool) {
	if p.onCache != nil {
		p.onCache(hit)
	}
}

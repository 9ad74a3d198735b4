package embeddings

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

// NewOpenAIEmbedder builds a langchaingo embedder for an OpenAI-compatible
// API authenticated with cred. Batching is done by the caller.
func NewOpenAIEmbedder(cfg config.EmbeddingsConfig, cred config.Secret) (Embedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	opts := []openai.Option{
		openai.WithToken(cred.Value()),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating OpenAI client: %v", ErrInvalidConfig, err)
	}

	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(max(cfg.BatchSize, 1)),
		embeddings.WithStripNewLines(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %v", ErrInvalidConfig, err)
	}
	return embedder, nil
}

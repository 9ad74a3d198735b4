// Package websearch queries an external search engine for pages that can
// answer a question the local knowledge base could not.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

var (
	// ErrSearchFailed wraps every provider failure.
	ErrSearchFailed = errors.New("web search failed")
	// ErrRateLimited is returned when the client-side limiter or the
	// upstream engine refuses the request. It also matches ErrSearchFailed.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrSearchFailed)
	// ErrDisabled is returned by the provider configured as "none".
	ErrDisabled = fmt.Errorf("%w: web search disabled", ErrSearchFailed)
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Provider runs a web search. Implementations must be safe for concurrent use.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// New builds the configured provider.
func New(cfg config.WebSearchConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "duckduckgo":
		return NewDuckDuckGo(cfg, logger), nil
	case "none":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown websearch provider %q", cfg.Provider)
	}
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

// Search implements Provider.
func (Disabled) Search(context.Context, string, int) ([]Result, error) {
	return nil, ErrDisabled
}

// Static serves fixed results. Used by tests and offline deployments.
type Static struct {
	Results []Result
	Err     error

	calls atomic.Int32
}

// Search returns up to limit of the fixed results, or Err.
func (s *Static) Search(ctx context.Context, _ string, limit int) ([]Result, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.Results
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Result(nil), out...), nil
}

// Calls reports how many searches were made.
func (s *Static) Calls() int {
	return int(s.calls.Load())
}

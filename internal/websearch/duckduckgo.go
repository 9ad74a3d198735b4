package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/knowd/internal/config"
)

const (
	defaultEndpoint  = "https://html.duckduckgo.com/html/"
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "knowd/1.0 (+https://github.com/fyrsmithlabs/knowd)"
	defaultRateLimit = 1.0
	maxResponseBytes = 2 << 20
)

var searchRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "knowd",
		Subsystem: "websearch",
		Name:      "requests_total",
		Help:      "Web search requests by outcome",
	},
	[]string{"status"},
)

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint.
type DuckDuckGo struct {
	endpoint   string
	apiKey     config.Secret
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewDuckDuckGo creates a DuckDuckGo provider. A zero RateLimit means one
// request per second; a negative one disables limiting.
func NewDuckDuckGo(cfg config.WebSearchConfig, logger *zap.Logger) *DuckDuckGo {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	limit := rate.Limit(defaultRateLimit)
	switch {
	case cfg.RateLimit > 0:
		limit = rate.Limit(cfg.RateLimit)
	case cfg.RateLimit < 0:
		limit = rate.Inf
	}

	return &DuckDuckGo{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Search implements Provider.
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchFailed)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		searchRequests.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	results, err := d.do(ctx, query)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	searchRequests.WithLabelValues("ok").Inc()
	d.logger.Debug("web search completed",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (d *DuckDuckGo) do(ctx context.Context, query string) ([]Result, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrSearchFailed, err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html")
	if d.apiKey.IsSet() {
		req.Header.Set("X-Api-Key", d.apiKey.Value())
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		searchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusAccepted:
		// DuckDuckGo answers 202 with a challenge page when throttling.
		searchRequests.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		searchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrSearchFailed, resp.StatusCode)
	}

	results, err := parseResults(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		searchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	return results, nil
}

// parseResults extracts organic results from a DuckDuckGo HTML page.
func parseResults(r io.Reader) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var (
		results []Result
		current *Result
	)
	flush := func() {
		if current != nil && current.Title != "" && current.URL != "" {
			results = append(results, *current)
		}
		current = nil
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			classes := classList(n)
			switch {
			case classes["result"] && !classes["result--ad"]:
				flush()
				current = &Result{}
			case classes["result--ad"]:
				flush()
				return
			case current != nil && n.DataAtom == atom.A && classes["result__a"]:
				current.Title = textOf(n)
				current.URL = resolveHref(attr(n, "href"))
				return
			case current != nil && classes["result__snippet"]:
				current.Snippet = textOf(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()

	return results, nil
}

func classList(n *html.Node) map[string]bool {
	fields := strings.Fields(attr(n, "class"))
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// resolveHref unwraps DuckDuckGo redirect links ("/l/?uddg=<target>") and
// returns "" for anything that is not an absolute http(s) URL.
func resolveHref(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			if u, err = url.Parse(target); err != nil {
				return ""
			}
		}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

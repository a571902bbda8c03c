// Package retrieval is the client for the knowledge retrieval service.
package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/retry"
)

// Defaults for ClientOpts.
const (
	DefaultTopK     = 5
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 10 * time.Minute
)

// Snippet is one ranked piece of knowledge-base context.
type Snippet struct {
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	SourceID  string    `json:"source_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type searchRequest struct {
	Query     string `json:"query"`
	Namespace string `json:"namespace"`
	TopK      int    `json:"top_k"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

type cacheEntry struct {
	snippets  []Snippet
	expiresAt time.Time
}

// Client queries the retrieval service over HTTP and caches results.
type Client struct {
	http     *resty.Client
	topK     int
	policy   retry.Policy
	cache    *lru.Cache // nil when caching is disabled
	cacheTTL time.Duration
	mu       sync.Mutex
	now      func() time.Time
	log      zerolog.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL   string
	TopK      int
	Timeout   time.Duration
	CacheSize int // 0 disables caching
	CacheTTL  time.Duration
	Retry     retry.Policy
	Logger    zerolog.Logger
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("retrieval: base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 2, InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		topK:     topK,
		policy:   policy,
		cacheTTL: ttl,
		now:      time.Now,
		log:      opts.Logger.With().Str("component", "retrieval").Logger(),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New(opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("retrieval: cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Search returns up to topK snippets for query within namespace, ordered by
// descending score with ties broken by most recent source. An empty result
// is not an error. topK <= 0 uses the client default.
func (c *Client) Search(ctx context.Context, query, namespace string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		topK = c.topK
	}
	key := cacheKey(query, namespace, topK)
	if hit, ok := c.cached(key); ok {
		return hit, nil
	}

	var result searchResponse
	out := retry.Do(ctx, c.policy, func(int) error {
		result = searchResponse{}
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(searchRequest{Query: query, Namespace: namespace, TopK: topK}).
			SetResult(&result).
			Post("/search")
		if err != nil {
			return err
		}
		if resp.IsError() {
			err := fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
			if resp.StatusCode() < http.StatusInternalServerError {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if out.Err != nil {
		return nil, fmt.Errorf("retrieval: search %s: %w", namespace, out.Err)
	}

	snippets := Rank(result.Results)
	if len(snippets) > topK {
		snippets = snippets[:topK]
	}
	c.store(key, snippets)
	c.log.Debug().Str("namespace", namespace).Int("results", len(snippets)).Int("attempts", out.Attempts).Msg("search")
	return snippets, nil
}

// Rank orders snippets by descending score, then by most recent UpdatedAt,
// then by SourceID for a stable result.
func Rank(in []Snippet) []Snippet {
	out := make([]Snippet, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func cacheKey(query, namespace string, topK int) string {
	return fmt.Sprintf("%s|%d|%s", namespace, topK, strings.ToLower(strings.TrimSpace(query)))
}

func (c *Client) cached(key string) ([]Snippet, bool) {
	if c.cache == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.snippets, true
}

func (c *Client) store(key string, snippets []Snippet) {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{snippets: snippets, expiresAt: c.now().Add(c.cacheTTL)})
}

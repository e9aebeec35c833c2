// Package feed fetches and caches JSON manifests of available artifact
// versions from private plugin/theme repositories.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/update-agent-project/uparun/internal/version"
)

// ErrEmptyURL is returned when a fetch is attempted without a feed URL.
var ErrEmptyURL = errors.New("feed URL is empty")

// stalePrefix keys the never-expiring copy of each manifest that
// backs the safe-refresh fallback.
const stalePrefix = "stale:"

// ManifestEntry describes one artifact version offered by a feed.
type ManifestEntry struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	DownloadURL  string `json:"download_url"`
	InfoURL      string `json:"url,omitempty"`
	Requires     string `json:"requires,omitempty"`
	RequiresPHP  string `json:"requires_php,omitempty"`
	Tested       string `json:"tested,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	SignatureURL string `json:"signature_url,omitempty"`
}

// Client fetches manifests with a TTL cache and a safe-refresh policy:
// a failed fetch never evicts previously cached data.
type Client struct {
	httpClient *http.Client
	cache      *gocache.Cache
	ttl        time.Duration
	log        *slog.Logger

	// Entries whose "requires" exceeds the ceiling get it reset to the
	// floor instead of being trusted.
	requiresCeiling string
	requiresFloor   string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout for feed fetches.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithTTL sets how long fetched manifests stay cached.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// WithRequiresClamp resets any manifest "requires" version above
// ceiling down to floor.
func WithRequiresClamp(ceiling, floor string) Option {
	return func(c *Client) {
		c.requiresCeiling = ceiling
		c.requiresFloor = floor
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a feed client with a 1 hour cache TTL and a 15
// second fetch timeout by default.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ttl:        time.Hour,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = gocache.New(c.ttl, 10*time.Minute)
	return c
}

// Fetch returns the manifest published at url. Cached content is
// served until its TTL expires. When a refresh fails the previous
// cached value is returned and re-cached, so callers never observe an
// empty manifest just because the feed had a bad minute.
func (c *Client) Fetch(ctx context.Context, url string) ([]ManifestEntry, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	key := cacheKey(url)
	if cached, found := c.cache.Get(key); found {
		return cached.([]ManifestEntry), nil
	}

	entries, err := c.fetch(ctx, url)
	if err != nil {
		if stale, found := c.cache.Get(stalePrefix + key); found {
			c.log.Warn("feed fetch failed, serving stale manifest", "url", url, "error", err)
			c.cache.Set(key, stale, c.ttl)
			return stale.([]ManifestEntry), nil
		}
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	c.store(key, entries)
	return entries, nil
}

// Refresh re-fetches the feed and swaps the cached value in place.
// The old value stays served until the new one is ready; a failed
// refresh leaves the cache untouched.
func (c *Client) Refresh(ctx context.Context, url string) ([]ManifestEntry, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	key := cacheKey(url)
	entries, err := c.fetch(ctx, url)
	if err != nil {
		if stale, found := c.cache.Get(key); found {
			c.log.Warn("feed refresh failed, keeping cached manifest", "url", url, "error", err)
			return stale.([]ManifestEntry), nil
		}
		if stale, found := c.cache.Get(stalePrefix + key); found {
			return stale.([]ManifestEntry), nil
		}
		return nil, fmt.Errorf("failed to refresh feed: %w", err)
	}

	c.store(key, entries)
	return entries, nil
}

// store caches entries under the TTL key and a never-expiring stale
// copy used when later refreshes fail.
func (c *Client) store(key string, entries []ManifestEntry) {
	c.cache.Set(key, entries, c.ttl)
	c.cache.Set(stalePrefix+key, entries, gocache.NoExpiration)
}

func (c *Client) fetch(ctx context.Context, url string) ([]ManifestEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	entries, err := parseManifest(body)
	if err != nil {
		return nil, err
	}

	sanitized := make([]ManifestEntry, 0, len(entries))
	for _, e := range entries {
		entry, ok := c.sanitize(e)
		if !ok {
			c.log.Debug("dropping manifest entry", "slug", e.Slug, "name", e.Name)
			continue
		}
		sanitized = append(sanitized, entry)
	}

	c.log.Debug("fetched feed", "url", url, "entries", len(sanitized))
	return sanitized, nil
}

// parseManifest accepts both an array of entries and a map keyed by
// slug; feeds in the wild publish both shapes.
func parseManifest(data []byte) ([]ManifestEntry, error) {
	var list []ManifestEntry
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var bySlug map[string]ManifestEntry
	if err := json.Unmarshal(data, &bySlug); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	list = make([]ManifestEntry, 0, len(bySlug))
	for slug, entry := range bySlug {
		if entry.Slug == "" {
			entry.Slug = slug
		}
		list = append(list, entry)
	}
	return list, nil
}

// sanitize trims an entry's fields and rejects entries that are
// unusable or look injected. Returns false when the entry must be
// dropped.
func (c *Client) sanitize(e ManifestEntry) (ManifestEntry, bool) {
	e.Slug = strings.TrimSpace(e.Slug)
	e.Name = strings.TrimSpace(e.Name)
	e.Version = strings.TrimSpace(e.Version)
	e.DownloadURL = cleanURL(e.DownloadURL)
	e.InfoURL = cleanURL(e.InfoURL)
	e.SignatureURL = cleanURL(e.SignatureURL)
	e.Requires = strings.TrimSpace(e.Requires)
	e.RequiresPHP = strings.TrimSpace(e.RequiresPHP)
	e.Tested = strings.TrimSpace(e.Tested)
	e.Checksum = strings.TrimSpace(e.Checksum)

	if e.Slug == "" {
		return e, false
	}
	if strings.ContainsRune(e.Name, '$') || strings.ContainsRune(e.Version, '$') {
		return e, false
	}

	if c.requiresCeiling != "" && e.Requires != "" {
		if version.Compare(e.Requires, c.requiresCeiling) > 0 {
			c.log.Warn("clamping suspicious requires version",
				"slug", e.Slug, "requires", e.Requires, "floor", c.requiresFloor)
			e.Requires = c.requiresFloor
		}
	}

	return e, true
}

// cleanURL strips whitespace plus the stray quotes and backticks seen
// in hand-edited feeds.
func cleanURL(u string) string {
	return strings.Trim(strings.TrimSpace(u), "\"'`")
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

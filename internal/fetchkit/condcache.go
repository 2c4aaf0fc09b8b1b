package fetchkit

import (
	"net/http"
	"sync"
)

// condEntry remembers the validators and body of the last good fetch for a
// URL so the next request can be conditional.
type condEntry struct {
	etag         string
	lastModified string
	body         []byte
}

type conditionalCache struct {
	mu      sync.Mutex
	entries map[string]condEntry
	max     int
}

func newConditionalCache(max int) *conditionalCache {
	if max <= 0 {
		max = 1024
	}
	return &conditionalCache{
		entries: make(map[string]condEntry),
		max:     max,
	}
}

// Decorate attaches If-None-Match / If-Modified-Since headers when a prior
// fetch for url is cached.
func (c *conditionalCache) Decorate(url string, headers http.Header) {
	c.mu.Lock()
	entry, ok := c.entries[url]
	c.mu.Unlock()
	if !ok {
		return
	}
	if entry.etag != "" {
		headers.Set("If-None-Match", entry.etag)
	}
	if entry.lastModified != "" {
		headers.Set("If-Modified-Since", entry.lastModified)
	}
}

// Store records validators from a successful response.
func (c *conditionalCache) Store(url string, headers http.Header, body []byte) {
	etag := headers.Get("ETag")
	lastModified := headers.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Cheap bound: drop everything rather than tracking recency.
		c.entries = make(map[string]condEntry)
	}
	c.entries[url] = condEntry{
		etag:         etag,
		lastModified: lastModified,
		body:         append([]byte(nil), body...),
	}
}

// Body returns the cached body for url, for serving 304 responses.
func (c *conditionalCache) Body(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[url]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.body...), true
}

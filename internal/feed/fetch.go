// Package feed fetches, parses, and imports user-supplied iCal feeds into
// the internal event store. Feed occurrences are keyed by (uid, startTime),
// a different idempotency key than the provider sync path.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teamtrack/calsync/internal/logging"
)

var (
	// ErrFeedUnreachable covers network failures and non-success statuses
	// when no cached copy can stand in.
	ErrFeedUnreachable = errors.New("feed unreachable")
	// ErrFeedMalformed means the document as a whole failed to parse.
	ErrFeedMalformed = errors.New("feed malformed")
)

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// Fetcher retrieves feed documents over plain HTTP GET with conditional
// request caching (ETag / Last-Modified) so unchanged feeds cost a 304.
type Fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		client: client,
		cache:  map[string]cacheEntry{},
	}
}

// Fetch returns the feed document at feedURL. When the origin fails but a
// cached copy exists, the cached body is served with stale set so callers
// can report the import as served-from-cache rather than fresh.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (body []byte, stale bool, err error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return nil, false, fmt.Errorf("%w: empty url", ErrFeedUnreachable)
	}

	f.mu.Lock()
	cached, hasCache := f.cache[feedURL]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrFeedUnreachable, err)
	}
	if hasCache {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if hasCache {
			logging.Error("feed fetch failed, serving cached body", err, "url", redactURL(feedURL))
			return cached.body, true, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrFeedUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		fresh, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrFeedUnreachable, readErr)
		}
		f.mu.Lock()
		f.cache[feedURL] = cacheEntry{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			body:         fresh,
		}
		f.mu.Unlock()
		return fresh, false, nil
	case resp.StatusCode == http.StatusNotModified && hasCache:
		return cached.body, false, nil
	default:
		if hasCache {
			logging.Error("feed fetch non-OK, serving cached body",
				errors.New(resp.Status), "url", redactURL(feedURL), "status", resp.StatusCode)
			return cached.body, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrFeedUnreachable, resp.Status)
	}
}

// redactURL trims a feed URL down to its host for logs; feed URLs often
// embed per-user secrets in the path or query.
func redactURL(u string) string {
	const redacted = "/...(redacted)"
	idx := strings.Index(u, "://")
	if idx < 0 {
		return "feed://...(redacted)"
	}
	rest := u[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return u[:idx+3+slash] + redacted
	}
	return u + redacted
}

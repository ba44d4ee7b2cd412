// Package backend is the client for the code-intelligence service: hover
// and definition data at a position, revision resolution, raw file content,
// and the per-document decoration feed. The service is treated as an opaque
// collaborator; this package owns only the client-side wire shapes, retry
// behavior, and content caching.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sightline-dev/sightline/internal/codeview"
)

// Sentinel errors mapped from backend responses.
var (
	// ErrCloneInProgress means the revision exists but the repository is
	// still being cloned server-side; callers retry with delay.
	ErrCloneInProgress = errors.New("backend: clone in progress")
	// ErrPrivateRepo means the repository is not accessible on this
	// instance; the pipeline degrades rather than failing.
	ErrPrivateRepo = errors.New("backend: private repository")
	// ErrNotFound means the repository or revision does not exist.
	ErrNotFound = errors.New("backend: not found")
)

// Client talks to the backend over HTTP/JSON.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	cache        *Cache
	pollInterval time.Duration

	// raw deduplicates concurrent fetches of the same file: a split diff
	// resolves head and base concurrently and both sides may want the same
	// blob.
	raw singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache enables the persistent content cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithPollInterval sets the decoration feed poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Hover is the tooltip payload for a position: markdown contents plus the
// token range the hover applies to.
type Hover struct {
	Contents string `json:"contents"`
	Line     int    `json:"line"`
	StartCol int    `json:"startCol"`
	EndCol   int    `json:"endCol"`
}

// Location is a definition target.
type Location struct {
	RepoName string `json:"repoName"`
	CommitID string `json:"commitID"`
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

type positionRequest struct {
	RepoName  string `json:"repoName"`
	CommitID  string `json:"commitID"`
	FilePath  string `json:"filePath"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

// HoverAt returns hover contents for a position, or nil when the backend
// has nothing to show there.
func (c *Client) HoverAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*Hover, error) {
	var hover Hover
	ok, err := c.postJSON(ctx, "/api/hover", positionRequest{
		RepoName: repo, CommitID: commit, FilePath: path,
		Line: pos.Line, Character: pos.Character,
	}, &hover)
	if err != nil || !ok {
		return nil, err
	}
	return &hover, nil
}

// DefinitionAt returns the definition location for a position, or nil.
func (c *Client) DefinitionAt(ctx context.Context, repo, commit, path string, pos codeview.Position) (*Location, error) {
	var loc Location
	ok, err := c.postJSON(ctx, "/api/definition", positionRequest{
		RepoName: repo, CommitID: commit, FilePath: path,
		Line: pos.Line, Character: pos.Character,
	}, &loc)
	if err != nil || !ok {
		return nil, err
	}
	return &loc, nil
}

// ResolveRevision resolves rev to a commit ID. It maps backend signals to
// the sentinel errors above and does not retry; EnsureCloned owns the retry
// policy.
func (c *Client) ResolveRevision(ctx context.Context, repo, rev string) (string, error) {
	q := url.Values{"repo": {repo}, "rev": {rev}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/resolve-rev?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: resolve revision: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			CommitID string `json:"commitID"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("backend: decode resolve-rev response: %w", err)
		}
		if body.CommitID == "" {
			return "", fmt.Errorf("backend: empty commit ID for %s@%s", repo, rev)
		}
		return body.CommitID, nil
	case http.StatusAccepted:
		return "", ErrCloneInProgress
	case http.StatusForbidden, http.StatusUnauthorized:
		return "", ErrPrivateRepo
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("backend: resolve-rev %s@%s: unexpected status %d", repo, rev, resp.StatusCode)
	}
}

// RawContent fetches a file's full text at a commit, consulting the cache
// first and deduplicating concurrent fetches of the same key.
func (c *Client) RawContent(ctx context.Context, repo, commit, path string) (string, error) {
	key := repo + "@" + commit + ":" + path
	v, err, _ := c.raw.Do(key, func() (any, error) {
		if c.cache != nil {
			if content, ok, err := c.cache.Get(ctx, repo, commit, path); err == nil && ok {
				return content, nil
			}
		}
		content, err := c.fetchRaw(ctx, repo, commit, path)
		if err != nil {
			return "", err
		}
		if c.cache != nil {
			if err := c.cache.Put(ctx, repo, commit, path, content); err != nil {
				// Cache failures are not fetch failures.
				log.Printf("backend: cache put %s: %v", key, err)
			}
		}
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchRaw(ctx context.Context, repo, commit, path string) (string, error) {
	q := url.Values{"repo": {repo}, "commit": {commit}, "path": {path}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/raw?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: fetch raw content: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("backend: read raw content: %w", err)
		}
		return string(b), nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return "", ErrPrivateRepo
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("backend: raw %s@%s:%s: unexpected status %d", repo, commit, path, resp.StatusCode)
	}
}

// Decorations returns a long-lived feed of decoration sets for a document
// URI. The feed emits the current set immediately, then re-emits whenever
// the backend's answer changes, until ctx is done. Poll errors are logged
// and retried on the next tick rather than terminating the feed.
func (c *Client) Decorations(ctx context.Context, uri string) <-chan []codeview.Decoration {
	out := make(chan []codeview.Decoration, 1)
	go func() {
		defer close(out)
		var last string
		poll := func() {
			decs, raw, err := c.fetchDecorations(ctx, uri)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("backend: decorations poll %s: %v", uri, err)
				}
				return
			}
			if raw == last {
				return
			}
			last = raw
			select {
			case out <- decs:
			case <-ctx.Done():
			}
		}
		poll()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return out
}

func (c *Client) fetchDecorations(ctx context.Context, uri string) ([]codeview.Decoration, string, error) {
	q := url.Values{"uri": {uri}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/decorations?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("backend: fetch decorations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("backend: decorations %s: unexpected status %d", uri, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("backend: read decorations: %w", err)
	}
	var decs []codeview.Decoration
	if err := json.Unmarshal(b, &decs); err != nil {
		return nil, "", fmt.Errorf("backend: decode decorations: %w", err)
	}
	return decs, string(b), nil
}

// postJSON posts a JSON body and decodes a JSON response. It returns
// (false, nil) on 204/404, the backend's way of saying "nothing here".
func (c *Client) postJSON(ctx context.Context, path string, body, into any) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("backend: encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(string(payload)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return false, fmt.Errorf("backend: decode %s response: %w", path, err)
		}
		return true, nil
	case http.StatusNoContent, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("backend: %s: unexpected status %d", path, resp.StatusCode)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Package fetch talks to the upstream origin on behalf of the gateway.
//
// Every call keeps the two failure modes distinct: a non-nil error means the
// network was unreachable at the transport level; any HTTP response, error
// status included, comes back as a Snapshot with a nil error. Strategy code
// depends on that split everywhere.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gwerrors "github.com/israasaleh/flashcard-gateway/internal/platform/errors"
)

// maxBodyBytes caps how much of an upstream response body is captured.
const maxBodyBytes = 10 << 20

// hopByHopHeaders are dropped from snapshots and replayed requests.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Snapshot is one captured upstream response.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the snapshot carries a success status.
func (s *Snapshot) OK() bool {
	return s != nil && s.Status >= 200 && s.Status < 300
}

// ServerError reports whether the snapshot carries a 5xx status.
func (s *Snapshot) ServerError() bool {
	return s != nil && s.Status >= 500
}

// Client issues requests against a single upstream origin.
type Client struct {
	origin     *url.URL
	httpClient *http.Client
}

// NewClient builds a fetch client for the origin URL. A nil httpClient
// falls back to http.DefaultClient; no timeout is layered on top of the
// transport default.
func NewClient(originURL string, httpClient *http.Client) (*Client, error) {
	originURL = strings.TrimSpace(originURL)
	if originURL == "" {
		return nil, gwerrors.New(gwerrors.CodeUpstreamBadURL, "origin url is required")
	}
	parsed, err := url.Parse(originURL)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeUpstreamBadURL, "parse origin url", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, gwerrors.New(gwerrors.CodeUpstreamBadURL, "origin url must be absolute")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{origin: parsed, httpClient: httpClient}, nil
}

// OriginHost returns the upstream host for cross-origin classification.
func (c *Client) OriginHost() string {
	if c == nil || c.origin == nil {
		return ""
	}
	return c.origin.Host
}

// resolve joins a path-plus-query key onto the origin.
func (c *Client) resolve(key string) (string, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("parse request key: %w", err)
	}
	return c.origin.ResolveReference(ref).String(), nil
}

// Get fetches one resource by its request identity key.
func (c *Client) Get(ctx context.Context, key string) (*Snapshot, error) {
	return c.Do(ctx, http.MethodGet, key, nil, nil)
}

// Do issues an arbitrary request against the origin and captures the response.
func (c *Client) Do(ctx context.Context, method, key string, header http.Header, body []byte) (*Snapshot, error) {
	if c == nil || c.origin == nil {
		return nil, fmt.Errorf("fetch client is not configured")
	}
	target, err := c.resolve(key)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range header {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeUpstreamUnreachable, "upstream unreachable", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	snapshotBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeUpstreamUnreachable, "read upstream body", err)
	}

	return &Snapshot{
		Status: resp.StatusCode,
		Header: stripHopByHop(resp.Header),
		Body:   snapshotBody,
	}, nil
}

// Probe checks origin reachability with a HEAD request. Any HTTP response
// counts as reachable; only a transport failure returns an error.
func (c *Client) Probe(ctx context.Context, path string) error {
	_, err := c.Do(ctx, http.MethodHead, path, nil, nil)
	return err
}

func isHopByHop(name string) bool {
	for _, candidate := range hopByHopHeaders {
		if strings.EqualFold(name, candidate) {
			return true
		}
	}
	return false
}

func stripHopByHop(header http.Header) http.Header {
	clean := http.Header{}
	for name, values := range header {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			clean.Add(name, value)
		}
	}
	return clean
}

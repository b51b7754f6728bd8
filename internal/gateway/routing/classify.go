// Package routing classifies intercepted requests into strategy classes.
package routing

import (
	"net/http"
	"path"
	"strings"
)

// Class is the strategy class assigned to one intercepted request.
type Class int

const (
	// ClassPassThrough requests are proxied untouched (cross-origin or unmatched).
	ClassPassThrough Class = iota
	// ClassNavigation requests are page loads served with the three-tier fallback chain.
	ClassNavigation
	// ClassAPIWrite requests are writes on API paths, eligible for queue-and-replay.
	ClassAPIWrite
	// ClassAPIRead requests are reads on API paths, served network-first.
	ClassAPIRead
	// ClassStaticAsset requests are shell assets, served cache-first.
	ClassStaticAsset
)

// String names the class for logs and span attributes.
func (c Class) String() string {
	switch c {
	case ClassPassThrough:
		return "pass_through"
	case ClassNavigation:
		return "navigation"
	case ClassAPIWrite:
		return "api_write"
	case ClassAPIRead:
		return "api_read"
	case ClassStaticAsset:
		return "static_asset"
	}
	return "unknown"
}

// Rules holds the classification inputs for one deployment.
type Rules struct {
	// OriginHost is the upstream host; absolute-form requests addressed to any
	// other host are cross-origin and pass through untouched.
	OriginHost string
	// APIPrefixes are URL path prefixes handled by the API strategies.
	APIPrefixes []string
	// StaticExtensions are lower-case file extensions served cache-first.
	StaticExtensions []string
	// StaticPaths are exact paths served cache-first regardless of extension.
	StaticPaths []string
}

// DefaultStaticExtensions covers the shell asset types of the flashcard app.
var DefaultStaticExtensions = []string{
	".js", ".css", ".html", ".json", ".png", ".svg", ".ico", ".woff", ".woff2", ".mp3",
}

var writeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Classify assigns exactly one class to the request.
//
// Priority is fixed: cross-origin, navigation, API write, API read, static
// asset, pass-through. Evaluation order matters — a POST to an API path must
// never fall through to the static branch even if the path carries an asset
// extension.
func Classify(r *http.Request, rules Rules) Class {
	if isCrossOrigin(r, rules.OriginHost) {
		return ClassPassThrough
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	if matchesPrefix(r.URL.Path, rules.APIPrefixes) {
		if writeMethods[r.Method] {
			return ClassAPIWrite
		}
		return ClassAPIRead
	}
	if isStaticAsset(r, rules) {
		return ClassStaticAsset
	}
	return ClassPassThrough
}

func isCrossOrigin(r *http.Request, originHost string) bool {
	if r.URL == nil || r.URL.Host == "" {
		// Server-form request; the caller already addressed this gateway.
		return false
	}
	return !strings.EqualFold(r.URL.Host, originHost)
}

// isNavigation reports whether the request is a page load. Browsers flag
// these with Sec-Fetch-Mode: navigate; an HTML Accept header on a GET is the
// fallback signal for clients that omit fetch metadata.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isStaticAsset(r *http.Request, rules Rules) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	for _, p := range rules.StaticPaths {
		if r.URL.Path == p {
			return true
		}
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	if ext == "" {
		return false
	}
	extensions := rules.StaticExtensions
	if len(extensions) == 0 {
		extensions = DefaultStaticExtensions
	}
	for _, candidate := range extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

func matchesPrefix(urlPath string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(urlPath, prefix) {
			return true
		}
	}
	return false
}

// CacheKey returns the request identity key used for cache lookups: the
// URL path plus any query string. Headers and body are deliberately not
// part of the identity.
func CacheKey(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	return key
}

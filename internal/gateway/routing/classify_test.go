package routing

import (
	"net/http/httptest"
	"testing"
)

func testRules() Rules {
	return Rules{
		OriginHost:  "app.example.com",
		APIPrefixes: []string{"/api/"},
		StaticPaths: []string{"/", "/offline.html"},
	}
}

func TestClassifyNavigation(t *testing.T) {
	r := httptest.NewRequest("GET", "/decks/spanish", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")

	if got := Classify(r, testRules()); got != ClassNavigation {
		t.Fatalf("class = %s, want navigation", got)
	}
}

func TestClassifyNavigationSecFetchMode(t *testing.T) {
	r := httptest.NewRequest("GET", "/decks/spanish", nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")

	if got := Classify(r, testRules()); got != ClassNavigation {
		t.Fatalf("class = %s, want navigation", got)
	}
}

func TestClassifyAPIWrite(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		r := httptest.NewRequest(method, "/api/reviews", nil)
		if got := Classify(r, testRules()); got != ClassAPIWrite {
			t.Fatalf("%s /api/reviews class = %s, want api_write", method, got)
		}
	}
}

func TestClassifyAPIRead(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/cards?deck=spanish", nil)
	if got := Classify(r, testRules()); got != ClassAPIRead {
		t.Fatalf("class = %s, want api_read", got)
	}
}

func TestClassifyAPIWinsOverStaticExtension(t *testing.T) {
	// An API path ending in an asset-looking extension must stay an API read.
	r := httptest.NewRequest("GET", "/api/decks/spanish.json", nil)
	if got := Classify(r, testRules()); got != ClassAPIRead {
		t.Fatalf("class = %s, want api_read", got)
	}
}

func TestClassifyStaticAsset(t *testing.T) {
	for _, target := range []string{"/app.js", "/styles.css", "/icons/icon-192.png", "/audio/hola.mp3"} {
		r := httptest.NewRequest("GET", target, nil)
		if got := Classify(r, testRules()); got != ClassStaticAsset {
			t.Fatalf("%s class = %s, want static_asset", target, got)
		}
	}
}

func TestClassifyStaticPathWithoutExtension(t *testing.T) {
	r := httptest.NewRequest("GET", "/offline.html", nil)
	r.Header.Set("Accept", "*/*")
	if got := Classify(r, testRules()); got != ClassStaticAsset {
		t.Fatalf("class = %s, want static_asset", got)
	}
}

func TestClassifyCrossOriginPassesThrough(t *testing.T) {
	r := httptest.NewRequest("GET", "https://cdn.other.com/lib.js", nil)
	if got := Classify(r, testRules()); got != ClassPassThrough {
		t.Fatalf("class = %s, want pass_through", got)
	}
}

func TestClassifySameOriginAbsoluteForm(t *testing.T) {
	r := httptest.NewRequest("GET", "https://app.example.com/api/cards", nil)
	if got := Classify(r, testRules()); got != ClassAPIRead {
		t.Fatalf("class = %s, want api_read", got)
	}
}

func TestClassifyUnmatchedPassesThrough(t *testing.T) {
	r := httptest.NewRequest("GET", "/metrics", nil)
	r.Header.Set("Accept", "application/octet-stream")
	if got := Classify(r, testRules()); got != ClassPassThrough {
		t.Fatalf("class = %s, want pass_through", got)
	}
}

func TestCacheKeyIncludesQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/cards?deck=spanish&limit=20", nil)
	if got := CacheKey(r); got != "/api/cards?deck=spanish&limit=20" {
		t.Fatalf("cache key = %q", got)
	}

	r = httptest.NewRequest("GET", "/app.js", nil)
	if got := CacheKey(r); got != "/app.js" {
		t.Fatalf("cache key = %q", got)
	}
}

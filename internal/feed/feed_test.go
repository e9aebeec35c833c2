package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchArrayManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"slug": " acme-tools ", "name": "Acme Tools", "version": "2.0.0", "download_url": "\"https://x/acme.zip\""},
			{"slug": "", "name": "No Slug", "version": "1.0"},
			{"slug": "evil", "name": "Evil $PLUGIN", "version": "1.0"}
		]`))
	}))
	defer server.Close()

	c := NewClient()
	entries, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (slugless and injected entries dropped): %+v", len(entries), entries)
	}
	e := entries[0]
	if e.Slug != "acme-tools" {
		t.Errorf("Slug = %q, want trimmed acme-tools", e.Slug)
	}
	if e.DownloadURL != "https://x/acme.zip" {
		t.Errorf("DownloadURL = %q, quotes should be stripped", e.DownloadURL)
	}
}

func TestFetchMapManifest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"acme-tools": {"name": "Acme Tools", "version": "2.0.0", "download_url": "https://x/acme.zip"}
		}`))
	}))
	defer server.Close()

	c := NewClient()
	entries, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entries) != 1 || entries[0].Slug != "acme-tools" {
		t.Fatalf("map-shaped feed should yield slug from key: %+v", entries)
	}
}

func TestFetchUsesCache(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[{"slug": "acme-tools", "version": "2.0.0"}]`))
	}))
	defer server.Close()

	c := NewClient()
	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(context.Background(), server.URL); err != nil {
			t.Fatalf("Fetch #%d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("feed fetched %d times, want 1 (cached)", got)
	}
}

func TestSafeRefreshKeepsStaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			_, _ = w.Write([]byte(`{not json`))
			return
		}
		_, _ = w.Write([]byte(`[{"slug": "acme-tools", "version": "2.0.0"}]`))
	}))
	defer server.Close()

	c := NewClient(WithTTL(10 * time.Millisecond))
	if _, err := c.Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("initial Fetch: %v", err)
	}

	fail.Store(true)
	time.Sleep(20 * time.Millisecond)

	entries, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch after expiry with broken feed: %v", err)
	}
	if len(entries) != 1 || entries[0].Slug != "acme-tools" {
		t.Errorf("stale manifest not served: %+v", entries)
	}

	// Refresh must also keep serving the old value.
	entries, err = c.Refresh(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Refresh with broken feed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Refresh dropped cached manifest: %+v", entries)
	}
}

func TestRefreshSwapsInPlace(t *testing.T) {
	var v atomic.Value
	v.Store(`[{"slug": "acme-tools", "version": "2.0.0"}]`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(v.Load().(string)))
	}))
	defer server.Close()

	c := NewClient()
	if _, err := c.Fetch(context.Background(), server.URL); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	v.Store(`[{"slug": "acme-tools", "version": "3.0.0"}]`)
	entries, err := c.Refresh(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if entries[0].Version != "3.0.0" {
		t.Errorf("Refresh did not re-fetch: %+v", entries)
	}

	// Subsequent Fetch sees the refreshed value from cache.
	entries, _ = c.Fetch(context.Background(), server.URL)
	if entries[0].Version != "3.0.0" {
		t.Errorf("cache not swapped after Refresh: %+v", entries)
	}
}

func TestRequiresClamp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"slug": "acme-tools", "version": "2.0.0", "requires": "10.4"},
			{"slug": "sane", "version": "1.0.0", "requires": "6.2"}
		]`))
	}))
	defer server.Close()

	c := NewClient(WithRequiresClamp("7.0", "5.0"))
	entries, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, e := range entries {
		switch e.Slug {
		case "acme-tools":
			if e.Requires != "5.0" {
				t.Errorf("requires %q not clamped to floor", e.Requires)
			}
		case "sane":
			if e.Requires != "6.2" {
				t.Errorf("sane requires %q changed", e.Requires)
			}
		}
	}
}

func TestFetchEmptyURL(t *testing.T) {
	c := NewClient()
	if _, err := c.Fetch(context.Background(), ""); err != ErrEmptyURL {
		t.Errorf("err = %v, want ErrEmptyURL", err)
	}
}

func TestFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient()
	if _, err := c.Fetch(context.Background(), server.URL); err == nil {
		t.Error("Fetch of 500 feed with no cache should fail")
	}
}

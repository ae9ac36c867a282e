package remotekit

import (
	"net/http"
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	cases := []struct {
		header  string
		noStore bool
		noCache bool
		maxAge  *time.Duration
	}{
		{"", false, false, nil},
		{"no-store", true, false, nil},
		{"no-cache", false, true, nil},
		{"max-age=60", false, false, durationPtr(time.Minute)},
		{"max-age=\"120\"", false, false, durationPtr(2 * time.Minute)},
		{"public, max-age=30", false, false, durationPtr(30 * time.Second)},
		{"No-Store, no-CACHE", true, true, nil},
		{"max-age=bogus", false, false, nil},
		{"max-age=-5", false, false, nil},
	}

	for _, tc := range cases {
		d := parseCacheControl(tc.header)
		if d.NoStore != tc.noStore {
			t.Errorf("%q: NoStore = %v, want %v", tc.header, d.NoStore, tc.noStore)
		}
		if d.NoCache != tc.noCache {
			t.Errorf("%q: NoCache = %v, want %v", tc.header, d.NoCache, tc.noCache)
		}
		if (d.MaxAge == nil) != (tc.maxAge == nil) {
			t.Errorf("%q: MaxAge presence = %v, want %v", tc.header, d.MaxAge != nil, tc.maxAge != nil)
		} else if d.MaxAge != nil && *d.MaxAge != *tc.maxAge {
			t.Errorf("%q: MaxAge = %v, want %v", tc.header, *d.MaxAge, *tc.maxAge)
		}
	}
}

func TestCacheTTLFor(t *testing.T) {
	defaultTTL := 5 * time.Minute

	cases := []struct {
		cacheControl string
		wantTTL      time.Duration
		wantStore    bool
	}{
		{"", defaultTTL, true},
		{"max-age=60", time.Minute, true},
		{"no-store", 0, false},
		{"no-cache", 0, false},
		{"max-age=0", 0, false},
	}

	for _, tc := range cases {
		resp := &Response{Header: http.Header{}}
		if tc.cacheControl != "" {
			resp.Header.Set("Cache-Control", tc.cacheControl)
		}
		ttl, store := cacheTTLFor(resp, defaultTTL)
		if store != tc.wantStore {
			t.Errorf("%q: store = %v, want %v", tc.cacheControl, store, tc.wantStore)
		}
		if store && ttl != tc.wantTTL {
			t.Errorf("%q: ttl = %v, want %v", tc.cacheControl, ttl, tc.wantTTL)
		}
	}
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

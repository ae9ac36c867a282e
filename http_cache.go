package remotekit

import (
	"strconv"
	"strings"
	"time"
)

// cacheDirectives holds the parsed Cache-Control directives the executor
// honors when deciding storage and freshness.
type cacheDirectives struct {
	NoStore bool
	NoCache bool
	MaxAge  *time.Duration
}

// parseCacheControl parses a Cache-Control header into directives.
// Unknown directives are ignored.
func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	if header == "" {
		return d
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if key, value, found := strings.Cut(part, "="); found {
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), "\"")
			if key == "max-age" {
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					maxAge := time.Duration(seconds) * time.Second
					d.MaxAge = &maxAge
				}
			}
			continue
		}

		switch strings.ToLower(part) {
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		}
	}

	return d
}

// cacheTTLFor decides the storage TTL for a response: server max-age wins
// over the client default; no-store / no-cache suppress storage entirely.
func cacheTTLFor(resp *Response, defaultTTL time.Duration) (time.Duration, bool) {
	d := parseCacheControl(resp.Header.Get("Cache-Control"))
	if d.NoStore || d.NoCache {
		return 0, false
	}
	if d.MaxAge != nil {
		if *d.MaxAge == 0 {
			return 0, false
		}
		return *d.MaxAge, true
	}
	return defaultTTL, true
}

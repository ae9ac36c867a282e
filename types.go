package remotekit

import (
	"net/http"
	"time"
)

// Priority selects the dispatch lane for a request. Priority orders
// queued-but-not-yet-dispatched transport attempts only; it never affects
// correctness, and lane aging prevents low-priority starvation.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// CachePolicy controls whether a request may be served from the response
// cache. Only idempotent reads are ever cached, whatever the policy says.
type CachePolicy int

const (
	// CacheBypass always issues a transport call.
	CacheBypass CachePolicy = iota
	// CacheElseLoad returns a valid cached response when present and
	// falls through to transport otherwise.
	CacheElseLoad
)

// Request describes one operation against the remote API. A Request is
// treated as immutable once submitted.
type Request struct {
	Method string
	// Path is resolved against the client base URL. An absolute URL is
	// used as-is.
	Path string
	// Body is JSON-encoded when non-nil.
	Body   any
	Header http.Header

	Priority    Priority
	CachePolicy CachePolicy

	// Retries overrides the client retry budget for this request.
	// Zero means "use the client default"; a negative value disables
	// retries entirely.
	Retries int
}

// Response is the terminal result of a successful Submit. The body is
// fully read and the underlying connection released before it is returned.
// Deduplicated callers may share the same Response value; treat it as an
// immutable view.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TokenProvider supplies the bearer credential attached to outgoing
// requests. It is consulted per attempt so rotated credentials are picked
// up mid-flight. An empty return means "no Authorization header".
type TokenProvider func() string

// RetryCondition determines whether a request should be retried
type RetryCondition func(resp *http.Response, err error) bool

// Middleware represents a middleware function wrapping the transport
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// CacheEntry represents a cached response
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	ETag       string
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Cache interface for response caching
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// CacheKeyFunc builds the cache key for a request.
type CacheKeyFunc func(req Request) string

// DedupKeyFunc builds a key for identifying identical in-flight requests.
type DedupKeyFunc func(req Request) string

// Option represents a configuration option for Client
type Option func(*Client)

// StreamOption represents a configuration option for StreamClient
type StreamOption func(*StreamClient)

// SSHOption represents a configuration option for SSHManager
type SSHOption func(*SSHManager)

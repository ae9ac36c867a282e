package remotekit

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WithMaxRetries sets the default retry budget for requests that do not
// carry their own.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithRateLimiter sets the rate limiter
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithCache enables caching with the default bounded in-memory cache
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewInMemoryCache()
		c.cacheTTL = ttl
	}
}

// WithCustomCache sets a custom cache implementation
func WithCustomCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithCacheKeyFunc sets a custom cache key function
func WithCacheKeyFunc(fn CacheKeyFunc) Option {
	return func(c *Client) {
		c.cacheKeyFunc = fn
	}
}

// WithDedupKeyFunc sets a custom deduplication key function
func WithDedupKeyFunc(fn DedupKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithTimeout sets the per-attempt transport timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithCircuitBreaker sets the per-target circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = newBreakerGroup(config)
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTransport replaces the bottom of the transport stack. Middleware
// still wraps the replacement.
func WithTransport(rt RoundTripper) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Transport: roundTripperAdapter{rt},
		}
	}
}

type roundTripperAdapter struct{ rt RoundTripper }

func (a roundTripperAdapter) RoundTrip(req *http.Request) (*http.Response, error) {
	return a.rt.RoundTrip(req)
}

// WithTokenProvider sets the bearer credential source.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokenProvider = p
	}
}

// WithMaxConcurrent sets the number of dispatch workers, i.e. the number
// of transport attempts that may run at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		c.maxConcurrent = n
	}
}

// WithAgingThreshold sets the queue wait after which a lower-priority
// request is dispatched ahead of younger high-priority ones.
func WithAgingThreshold(d time.Duration) Option {
	return func(c *Client) {
		c.agingThreshold = d
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		if config != nil {
			c.debug = config
		}
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// validateConfiguration checks the assembled configuration and returns a
// Validation error listing every problem found.
func (c *Client) validateConfiguration() error {
	var problems []string

	if c.baseURL != "" {
		if _, err := url.Parse(c.baseURL); err != nil {
			problems = append(problems, fmt.Sprintf("baseURL does not parse: %v", err))
		}
	}
	if c.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if c.initialBackoff <= 0 {
		problems = append(problems, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		problems = append(problems, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.backoffMultiplier < 1 {
		problems = append(problems, "backoffMultiplier must be at least 1")
	}
	if c.maxConcurrent <= 0 {
		problems = append(problems, "maxConcurrent must be positive")
	}
	if c.cache != nil && c.cacheTTL <= 0 {
		problems = append(problems, "cacheTTL must be positive when caching is enabled")
	}
	if c.cacheKeyFunc == nil {
		problems = append(problems, "cacheKeyFunc must not be nil")
	}
	if c.dedupKeyFunc == nil {
		problems = append(problems, "dedupKeyFunc must not be nil")
	}

	if len(problems) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

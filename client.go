package remotekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the resilient request executor. It layers priority
// scheduling, response caching, request de-duplication, per-target
// circuit breaking, rate limiting, retries and metrics around the
// standard net/http Client. It is safe for concurrent use; construct one
// at the composition root and pass it to whatever needs it.
type Client struct {
	baseURL       string
	baseHost      string
	httpClient    *http.Client
	tokenProvider TokenProvider

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	retryPolicy       RetryPolicy

	breakers    *breakerGroup
	middleware  []Middleware
	rateLimiter *RateLimiter

	cache        Cache
	cacheTTL     time.Duration
	cacheKeyFunc CacheKeyFunc

	pending      *pendingTable
	dedupKeyFunc DedupKeyFunc

	maxConcurrent  int
	agingThreshold time.Duration
	dispatcher     *dispatcher

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	validationError error
}

// New constructs a Client for the given base URL using the provided
// functional options. A best effort validation is performed; call
// IsValid / ValidationError for errors.
func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		breakers:          newBreakerGroup(CircuitBreakerConfig{}),
		cacheTTL:          5 * time.Minute,
		cacheKeyFunc:      DefaultCacheKeyFunc,
		pending:           newPendingTable(),
		dedupKeyFunc:      DefaultDedupKeyFunc,
		maxConcurrent:     4,
		agingThreshold:    defaultAgingThreshold,
		debug:             DefaultDebugConfig(),
	}

	for _, option := range options {
		option(c)
	}

	if u, err := url.Parse(c.baseURL); err == nil {
		c.baseHost = u.Host
	}
	if c.retryPolicy == nil {
		c.retryPolicy = NewDefaultRetryPolicy(c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter)
	}
	c.dispatcher = newDispatcher(c.maxConcurrent, c.agingThreshold)

	if err := c.validateConfiguration(); err != nil {
		c.validationError = err
	}

	return c
}

// Get submits a high-level GET for path at normal priority.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Submit(ctx, Request{Method: http.MethodGet, Path: path})
}

// Post submits body (JSON-encoded) to path at normal priority.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Submit(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// GetJSON submits a GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.SubmitJSON(ctx, Request{Method: http.MethodGet, Path: path}, out)
}

// SubmitJSON submits req and decodes the response body into out. Callers
// provide the payload shape; the executor stays payload-agnostic.
func (c *Client) SubmitJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &ClientError{
			Type:       ErrorTypeServer,
			Message:    "malformed response body",
			Cause:      err,
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// Submit executes req and returns its terminal outcome. The caller sees
// exactly one result however many internal retries occurred. Identical
// concurrent requests are coalesced onto a single transport call; every
// coalesced caller receives the same result. Abandoning the wait via ctx
// never disturbs other waiters.
func (c *Client) Submit(ctx context.Context, req Request) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	start := time.Now()
	endpoint := c.endpointFor(req)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	c.debugLog(c.debug.LogRequests, "starting request",
		"requestID", requestID, "method", req.Method, "path", req.Path, "priority", req.Priority.String())

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	if c.cache != nil && cacheableRequest(req) {
		cacheKey := c.cacheKeyFunc(req)
		if entry, found := c.cache.Get(cacheKey); found {
			c.debugLog(c.debug.LogCache, "cache hit", "requestID", requestID, "cacheKey", cacheKey)
			c.metrics.RecordCacheHit(req.Method, endpoint)
			c.metrics.RecordRequest(req.Method, endpoint, entry.StatusCode, time.Since(start))
			return responseFromCache(entry), nil
		}
		c.metrics.RecordCacheMiss(req.Method, endpoint)
	}

	dedupKey := c.dedupKeyFunc(req)
	call, owner := c.pending.acquire(dedupKey)
	if !owner {
		c.debugLog(c.debug.LogRequests, "joined in-flight call", "requestID", requestID, "dedupKey", dedupKey)
		c.metrics.RecordDeduplicationHit(req.Method, endpoint)
		return c.pending.wait(ctx, dedupKey, call)
	}

	queued := c.dispatcher.enqueue(&job{
		priority: req.Priority,
		run: func() {
			c.runCall(dedupKey, call, req, requestID, endpoint, start)
		},
		abort: func() {
			c.pending.complete(dedupKey, call, nil, &ClientError{
				Type:    ErrorTypeCancelled,
				Message: "client closed",
			})
		},
	})
	if !queued {
		c.pending.complete(dedupKey, call, nil, &ClientError{
			Type:    ErrorTypeCancelled,
			Message: "client closed",
		})
	}

	return c.pending.wait(ctx, dedupKey, call)
}

// runCall executes one dispatched transport attempt chain and publishes
// its terminal result to every deduplicated waiter.
func (c *Client) runCall(dedupKey string, call *pendingCall, req Request, requestID, endpoint string, start time.Time) {
	resp, err := c.execute(call.execCtx, req, requestID, endpoint)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))

	if err == nil && c.cache != nil && cacheableRequest(req) && resp.StatusCode < 400 {
		if ttl, ok := cacheTTLFor(resp, c.cacheTTL); ok {
			cacheKey := c.cacheKeyFunc(req)
			c.cache.Set(cacheKey, cacheEntryFromResponse(resp), ttl)
			if mem, isMem := c.cache.(*InMemoryCache); isMem {
				c.metrics.RecordCacheSize("default", mem.Len())
			}
			c.debugLog(c.debug.LogCache, "response cached", "requestID", requestID, "cacheKey", cacheKey, "ttl", ttl)
		}
	}

	c.pending.complete(dedupKey, call, resp, err)
}

// execute runs the attempt loop: rate limit and circuit breaker gates,
// one transport call per attempt, retry with backoff on transient
// failures.
func (c *Client) execute(ctx context.Context, req Request, requestID, endpoint string) (*Response, error) {
	target := c.targetFor(req)
	budget := c.retryBudget(req)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, cancellationError(ctx)
		}

		if c.rateLimiter != nil && !c.rateLimiter.Allow() {
			c.debugLog(c.debug.LogRateLimit, "rate limit exceeded", "requestID", requestID, "endpoint", endpoint)
			c.metrics.RecordError(ErrorTypeRateLimit, req.Method, endpoint)
			return nil, c.newError(ErrorTypeRateLimit, "rate limit exceeded", nil, requestID, req, attempt)
		}
		if c.rateLimiter != nil {
			c.metrics.RecordRateLimiterTokens("default", c.rateLimiter.Tokens())
		}

		cb := c.breakers.get(target)
		if !cb.Allow() {
			c.debugLog(c.debug.LogCircuit, "circuit breaker open", "requestID", requestID, "target", target)
			c.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
			return nil, c.newError(ErrorTypeCircuitOpen, "circuit breaker is open", nil, requestID, req, attempt)
		}

		if attempt > 0 {
			c.debugLog(c.debug.LogRetries, "retry attempt",
				"requestID", requestID, "attempt", attempt, "budget", budget, "endpoint", endpoint)
			c.metrics.RecordRetry(req.Method, endpoint, attempt)
		}

		resp, err := c.attempt(ctx, req)

		if err != nil || resp.StatusCode >= 500 {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		c.metrics.RecordCircuitBreakerState(target, cb.State())

		if err == nil && resp.StatusCode < 400 {
			return resp, nil
		}

		var typed *ClientError
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancellationError(ctx)
			}
			c.metrics.RecordError(ErrorTypeNetwork, req.Method, endpoint)
			typed = c.newError(ErrorTypeNetwork, "network request failed", err, requestID, req, attempt)
		} else {
			c.metrics.RecordError(ErrorTypeServer, req.Method, endpoint)
			message, apiType, apiCode := parseAPIError(resp.Body, http.StatusText(resp.StatusCode))
			typed = c.newError(ErrorTypeServer, message, nil, requestID, req, attempt)
			typed.StatusCode = resp.StatusCode
			typed.APIErrorType = apiType
			typed.APIErrorCode = apiCode
		}

		delay, retry := c.retryPolicy.ShouldRetry(resp, err, attempt, budget)
		if !retry {
			return nil, typed
		}

		c.debugLog(c.debug.LogRetries, "scheduling retry",
			"requestID", requestID, "attempt", attempt+1, "backoff", delay, "endpoint", endpoint)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, cancellationError(ctx)
		case <-timer.C:
		}
	}
}

// attempt performs exactly one transport call and snapshots the response.
func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.executeMiddleware(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) buildHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolveURL(req.Path), bodyReader)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.tokenProvider != nil {
		if token := c.tokenProvider(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return httpReq, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}
	return current.RoundTrip(req)
}

// retryBudget resolves the per-request retry override: zero keeps the
// client default, negative disables retries.
func (c *Client) retryBudget(req Request) int {
	switch {
	case req.Retries < 0:
		return 0
	case req.Retries > 0:
		return req.Retries
	default:
		return c.maxRetries
	}
}

func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// targetFor names the circuit breaker target for a request: the host the
// transport attempt will actually hit.
func (c *Client) targetFor(req Request) string {
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		if u, err := url.Parse(req.Path); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if c.baseHost != "" {
		return c.baseHost
	}
	return "unknown"
}

// endpointFor builds the metric label for a request.
func (c *Client) endpointFor(req Request) string {
	path, _, _ := strings.Cut(req.Path, "?")
	if path == "" {
		path = "/"
	}
	return c.targetFor(req) + path
}

func (c *Client) newError(errorType, message string, cause error, requestID string, req Request, attempt int) *ClientError {
	return &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Method:     req.Method,
		URL:        c.resolveURL(req.Path),
		Attempt:    attempt,
		MaxRetries: c.retryBudget(req),
		Timestamp:  time.Now(),
	}
}

func (c *Client) debugLog(flag bool, msg string, keysAndValues ...any) {
	if c.debug == nil || !c.debug.Enabled || !flag || c.logger == nil {
		return
	}
	c.logger.Debug(msg, keysAndValues...)
}

// InFlight reports the number of unresolved deduplication keys, for
// observability and tests.
func (c *Client) InFlight() int {
	return c.pending.inFlight()
}

// Close stops the dispatch workers. Queued-but-undispatched requests
// complete with a Cancelled error; dispatched attempts run to completion.
func (c *Client) Close() {
	c.dispatcher.close()
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

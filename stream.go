package remotekit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	internalbackoff "remotekit/internal/backoff"
)

// StreamState is the stream client's connection lifecycle state.
type StreamState int32

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamOpen
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errLivenessExpired marks a connection killed by the heartbeat watchdog.
var errLivenessExpired = errors.New("remotekit: stream liveness window expired")

// streamItem is one unit in the delivery pipeline: an event, or a
// lifecycle signal that must not overtake events already buffered ahead
// of it. Completion and drop notifications ride the same channel as
// events so the consumer always drains a connection's events before
// hearing about its fate.
type streamItem struct {
	event    StreamEvent
	complete bool
	dropped  error
}

// StreamCallbacks carries the consumer's event handlers. Any field may be
// nil. OnEvent is called from a single dispatch goroutine in wire order;
// a slow OnEvent applies backpressure to the socket rather than growing
// memory.
type StreamCallbacks struct {
	OnEvent     func(StreamEvent)
	OnError     func(error)
	OnComplete  func()
	OnHeartbeat func()
}

// StreamClient consumes one long-lived server-sent-events connection. It
// reconnects with capped backoff on any error until the terminal
// completion sentinel arrives or Disconnect is called. Ordinary
// disconnects are reported per occurrence via OnError and are never a
// terminal failure.
type StreamClient struct {
	httpClient    *http.Client
	tokenProvider TokenProvider

	bufferCapacity    int
	livenessWindow    time.Duration
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	strategy          internalbackoff.Strategy

	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig

	state       atomic.Int32
	reconnects  atomic.Uint64
	lastTraffic atomic.Int64

	mu     sync.Mutex
	url    string
	cancel context.CancelFunc
	events chan streamItem
	wg     *sync.WaitGroup
}

// NewStreamClient constructs a stream client with the provided options.
func NewStreamClient(options ...StreamOption) *StreamClient {
	s := &StreamClient{
		// no overall timeout: the connection is long-lived by design
		httpClient:        &http.Client{},
		bufferCapacity:    64,
		livenessWindow:    30 * time.Second,
		initialBackoff:    500 * time.Millisecond,
		maxBackoff:        30 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.2,
		strategy:          internalbackoff.ExponentialJitter{},
		debug:             DefaultDebugConfig(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// WithStreamHTTPClient sets the HTTP client used for the stream
// connection. Do not set a Timeout on it; the connection is long-lived.
func WithStreamHTTPClient(client *http.Client) StreamOption {
	return func(s *StreamClient) {
		s.httpClient = client
	}
}

// WithStreamTokenProvider sets the bearer credential source.
func WithStreamTokenProvider(p TokenProvider) StreamOption {
	return func(s *StreamClient) {
		s.tokenProvider = p
	}
}

// WithStreamBuffer sets the backpressure window: the maximum number of
// received-but-undelivered events. When full, socket reads pause until
// the consumer drains.
func WithStreamBuffer(capacity int) StreamOption {
	return func(s *StreamClient) {
		if capacity > 0 {
			s.bufferCapacity = capacity
		}
	}
}

// WithLivenessWindow sets how long the connection may stay silent (no
// data, no heartbeat) before it is treated as dead.
func WithLivenessWindow(d time.Duration) StreamOption {
	return func(s *StreamClient) {
		if d > 0 {
			s.livenessWindow = d
		}
	}
}

// WithStreamBackoff sets the reconnect backoff envelope.
func WithStreamBackoff(initial, max time.Duration, multiplier, jitter float64) StreamOption {
	return func(s *StreamClient) {
		s.initialBackoff = initial
		s.maxBackoff = max
		s.backoffMultiplier = multiplier
		s.jitter = jitter
	}
}

// WithStreamMetrics sets the metrics collector.
func WithStreamMetrics(mc *MetricsCollector) StreamOption {
	return func(s *StreamClient) {
		s.metrics = mc
	}
}

// WithStreamLogger sets the logger and enables stream debug logging.
func WithStreamLogger(logger Logger) StreamOption {
	return func(s *StreamClient) {
		s.logger = logger
		s.debug.Enabled = true
	}
}

// Connect opens the stream against url and begins delivering events to
// the callbacks. It returns immediately; connection establishment and
// every later reconnect happen on background goroutines. ctx bounds the
// whole session: cancelling it is equivalent to Disconnect.
func (s *StreamClient) Connect(ctx context.Context, url string, cb StreamCallbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("remotekit: stream already connected to %s", s.url)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan streamItem, s.bufferCapacity)
	wg := &sync.WaitGroup{}

	s.url = url
	s.cancel = cancel
	s.events = events
	s.wg = wg
	s.state.Store(int32(StreamConnecting))

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.dispatch(url, events, cb)
	}()
	go func() {
		defer wg.Done()
		s.run(runCtx, url, events, cb)
		// release the session before the close so the client is
		// connectable again by the time OnComplete is delivered
		s.finishSession(events)
		close(events)
	}()

	return nil
}

// Disconnect terminates the connection, cancels any pending reconnect
// and waits for delivery to stop. It is idempotent.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	wg := s.wg
	s.cancel = nil
	s.wg = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
		s.state.Store(int32(StreamClosed))
	}
}

// finishSession releases a session that ended on its own, either through
// the completion sentinel or its context. Identity-checked so a newer
// session started after an explicit Disconnect is left untouched. The
// client becomes connectable again without a Disconnect round trip.
func (s *StreamClient) finishSession(events chan streamItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != events {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.events = nil
}

// State returns the current lifecycle state.
func (s *StreamClient) State() StreamState {
	return StreamState(s.state.Load())
}

// Reconnects returns the number of successful reconnections, one per
// recovered drop. Diagnostic.
func (s *StreamClient) Reconnects() uint64 {
	return s.reconnects.Load()
}

// BufferedEvents reports how many events are received but not yet
// delivered. Never exceeds the configured buffer capacity.
func (s *StreamClient) BufferedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return 0
	}
	return len(s.events)
}

// dispatch is the single consumer of the delivery pipeline: it preserves
// wire order and isolates a slow OnEvent from the socket reader. Because
// lifecycle signals queue behind events, OnComplete and the drop OnError
// fire only after every event received before them has been delivered.
func (s *StreamClient) dispatch(url string, items <-chan streamItem, cb StreamCallbacks) {
	for item := range items {
		switch {
		case item.complete:
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		case item.dropped != nil:
			if cb.OnError != nil {
				cb.OnError(item.dropped)
			}
		default:
			s.metrics.RecordStreamBuffered(url, len(items))
			s.metrics.RecordStreamEvent(url)
			if cb.OnEvent != nil {
				cb.OnEvent(item.event)
			}
		}
	}
}

// run owns the connection lifecycle: connect, read, reconnect. Failure
// and completion notifications are sent through the pipeline, never
// invoked directly, so they cannot overtake buffered events. The sends
// block at most until dispatch catches up; dispatch keeps draining until
// run returns and the channel closes.
func (s *StreamClient) run(ctx context.Context, url string, events chan<- streamItem, cb StreamCallbacks) {
	consecutiveFailures := 0
	everOpened := false

	for {
		if ctx.Err() != nil {
			s.state.Store(int32(StreamClosed))
			return
		}

		s.state.Store(int32(StreamConnecting))
		resp, err := s.open(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				s.state.Store(int32(StreamClosed))
				return
			}
			s.debugLog("stream connect failed", "url", url, "error", err.Error())
			events <- streamItem{dropped: err}
			s.state.Store(int32(StreamReconnecting))
			if !s.sleep(ctx, consecutiveFailures) {
				s.state.Store(int32(StreamClosed))
				return
			}
			consecutiveFailures++
			continue
		}

		if everOpened {
			s.reconnects.Add(1)
			s.metrics.RecordStreamReconnect(url)
			s.debugLog("stream reconnected", "url", url, "reconnects", s.reconnects.Load())
		}
		everOpened = true
		consecutiveFailures = 0
		s.state.Store(int32(StreamOpen))

		complete, readErr := s.readLoop(ctx, resp.Body, events, cb)
		if complete {
			s.state.Store(int32(StreamClosed))
			events <- streamItem{complete: true}
			return
		}
		if ctx.Err() != nil {
			s.state.Store(int32(StreamClosed))
			return
		}

		s.debugLog("stream dropped", "url", url, "error", fmt.Sprint(readErr))
		events <- streamItem{dropped: readErr}
		s.state.Store(int32(StreamReconnecting))
		if !s.sleep(ctx, consecutiveFailures) {
			s.state.Store(int32(StreamClosed))
			return
		}
		consecutiveFailures++
	}
}

// open performs the SSE handshake.
func (s *StreamClient) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	if s.tokenProvider != nil {
		if token := s.tokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ClientError{
			Type:       ErrorTypeServer,
			Message:    "stream handshake rejected",
			StatusCode: resp.StatusCode,
			URL:        url,
		}
	}
	return resp, nil
}

// readLoop consumes one live connection until the completion sentinel, a
// read error, a liveness expiry or cancellation. The blocking send into
// the bounded buffer is the backpressure point: when the consumer lags,
// the reader stalls here and stops draining the socket.
func (s *StreamClient) readLoop(ctx context.Context, body io.ReadCloser, events chan<- streamItem, cb StreamCallbacks) (complete bool, err error) {
	defer body.Close()

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	s.markTraffic()
	var expired atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(s.livenessWindow / 4)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				last := time.Unix(0, s.lastTraffic.Load())
				if time.Since(last) > s.livenessWindow {
					expired.Store(true)
					body.Close()
					return
				}
			}
		}
	}()
	// unblock the scanner when the session is cancelled
	go func() {
		<-connCtx.Done()
		body.Close()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var acc sseAccumulator
	for scanner.Scan() {
		s.markTraffic()
		line := scanner.Text()

		if line == "" {
			ev, ok := acc.flush()
			if !ok {
				continue
			}
			if ev.Data == doneSentinel {
				return true, nil
			}
			select {
			case events <- streamItem{event: ev}:
			case <-connCtx.Done():
				return false, ctx.Err()
			}
			continue
		}

		if isSSEComment(line) {
			if cb.OnHeartbeat != nil {
				cb.OnHeartbeat()
			}
			continue
		}

		acc.feed(line)
	}

	connCancel()
	<-watchdogDone

	if expired.Load() {
		return false, errLivenessExpired
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return false, scanErr
	}
	return false, io.ErrUnexpectedEOF
}

func (s *StreamClient) markTraffic() {
	s.lastTraffic.Store(time.Now().UnixNano())
}

// sleep waits the backoff delay for the given consecutive failure count.
// Returns false when the session was cancelled while waiting.
func (s *StreamClient) sleep(ctx context.Context, failures int) bool {
	delay := s.strategy.Calculate(failures, s.initialBackoff, s.maxBackoff, s.backoffMultiplier, s.jitter)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *StreamClient) debugLog(msg string, keysAndValues ...any) {
	if s.debug == nil || !s.debug.Enabled || !s.debug.LogStream || s.logger == nil {
		return
	}
	s.logger.Debug(msg, keysAndValues...)
}

package remotekit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// sseWriter adapts a handler's ResponseWriter for event streaming.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(t *testing.T, w http.ResponseWriter) *sseWriter {
	t.Helper()
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("ResponseWriter does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) event(data string) {
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.f.Flush()
}

func (s *sseWriter) heartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.f.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.f.Flush()
}

func TestStreamDeliversEventsInOrderAndCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		for i := 0; i < 5; i++ {
			sse.event(fmt.Sprintf("chunk-%d", i))
		}
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	var mu sync.Mutex
	var got []string
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent: func(ev StreamEvent) {
			mu.Lock()
			got = append(got, ev.Data)
			mu.Unlock()
		},
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	client.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("Expected 5 events, got %d: %v", len(got), got)
	}
	for i, data := range got {
		if data != fmt.Sprintf("chunk-%d", i) {
			t.Errorf("event %d delivered out of order: %q", i, data)
		}
	}
	if client.State() != StreamClosed {
		t.Errorf("Expected closed state, got %v", client.State())
	}
}

func TestStreamHeartbeatCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		sse.heartbeat()
		sse.heartbeat()
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	var heartbeats atomic.Int32
	var events atomic.Int32
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent:     func(StreamEvent) { events.Add(1) },
		OnHeartbeat: func() { heartbeats.Add(1) },
		OnComplete:  func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	client.Disconnect()

	if heartbeats.Load() != 2 {
		t.Errorf("Expected 2 heartbeats, got %d", heartbeats.Load())
	}
	if events.Load() != 0 {
		t.Errorf("Expected heartbeats not delivered as events, got %d", events.Load())
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		sse := newSSEWriter(t, w)
		if n == 1 {
			sse.event("before-drop")
			// return without the terminal sentinel: a mid-stream drop
			return
		}
		sse.event("after-drop")
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient(WithStreamBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 0))
	defer client.Disconnect()

	var mu sync.Mutex
	var got []string
	var dropErrors atomic.Int32
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent: func(ev StreamEvent) {
			mu.Lock()
			got = append(got, ev.Data)
			mu.Unlock()
		},
		OnError:    func(error) { dropErrors.Add(1) },
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete after reconnect")
	}
	client.Disconnect()

	if client.Reconnects() != 1 {
		t.Errorf("Expected 1 reconnect, got %d", client.Reconnects())
	}
	if dropErrors.Load() != 1 {
		t.Errorf("Expected 1 drop error, got %d", dropErrors.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "before-drop" || got[1] != "after-drop" {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestStreamCompletionWaitsForSlowConsumer(t *testing.T) {
	// the server pushes every event and the terminal sentinel back to
	// back, so the reader sees the sentinel while all events still sit
	// in the buffer ahead of it
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		for i := 0; i < 3; i++ {
			sse.event(fmt.Sprintf("e%d", i))
		}
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	var delivered atomic.Int32
	deliveredAtComplete := make(chan int32, 1)

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent: func(StreamEvent) {
			time.Sleep(30 * time.Millisecond)
			delivered.Add(1)
		},
		OnComplete: func() { deliveredAtComplete <- delivered.Load() },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case n := <-deliveredAtComplete:
		if n != 3 {
			t.Errorf("Completion reported with only %d/3 events delivered", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete")
	}
	client.Disconnect()
}

func TestStreamDropErrorWaitsForSlowConsumer(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		sse := newSSEWriter(t, w)
		if n == 1 {
			sse.event("e0")
			sse.event("e1")
			// drop with both events still undelivered
			return
		}
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient(WithStreamBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 0))
	defer client.Disconnect()

	var mu sync.Mutex
	var sequence []string
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent: func(ev StreamEvent) {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			sequence = append(sequence, ev.Data)
			mu.Unlock()
		},
		OnError: func(error) {
			mu.Lock()
			sequence = append(sequence, "error")
			mu.Unlock()
		},
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not complete after reconnect")
	}
	client.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"e0", "e1", "error"}
	if len(sequence) != len(want) {
		t.Fatalf("Expected sequence %v, got %v", want, sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("Drop error overtook buffered events: %v", sequence)
		}
	}
}

func TestStreamReconnectAfterCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		sse.event("chunk")
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	for session := 0; session < 2; session++ {
		var delivered atomic.Int32
		complete := make(chan struct{})
		err := client.Connect(context.Background(), server.URL, StreamCallbacks{
			OnEvent:    func(StreamEvent) { delivered.Add(1) },
			OnComplete: func() { close(complete) },
		})
		if err != nil {
			t.Fatalf("Connect %d returned error: %v", session, err)
		}
		select {
		case <-complete:
		case <-time.After(5 * time.Second):
			t.Fatalf("session %d did not complete", session)
		}
		if delivered.Load() != 1 {
			t.Errorf("session %d delivered %d events, expected 1", session, delivered.Load())
		}
	}
}

func TestStreamBackpressureBoundsBuffer(t *testing.T) {
	const capacity = 2
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		for i := 0; i < 20; i++ {
			sse.event(fmt.Sprintf("e%d", i))
		}
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient(WithStreamBuffer(capacity))
	defer client.Disconnect()

	var maxBuffered atomic.Int32
	var delivered atomic.Int32
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnEvent: func(StreamEvent) {
			if b := int32(client.BufferedEvents()); b > maxBuffered.Load() {
				maxBuffered.Store(b)
			}
			delivered.Add(1)
			// slow consumer
			time.Sleep(5 * time.Millisecond)
		},
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not complete")
	}
	client.Disconnect()

	if delivered.Load() != 20 {
		t.Errorf("Expected all 20 events delivered, got %d", delivered.Load())
	}
	if maxBuffered.Load() > capacity {
		t.Errorf("Buffered events exceeded capacity: %d > %d", maxBuffered.Load(), capacity)
	}
}

func TestStreamLivenessWatchdog(t *testing.T) {
	var connections atomic.Int32
	silence := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		sse := newSSEWriter(t, w)
		if n == 1 {
			sse.event("then-silence")
			// stay silent past the liveness window
			select {
			case <-silence:
			case <-r.Context().Done():
			}
			return
		}
		sse.done()
	}))
	defer server.Close()
	defer close(silence)

	client := NewStreamClient(
		WithLivenessWindow(100*time.Millisecond),
		WithStreamBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 0),
	)
	defer client.Disconnect()

	livenessErr := make(chan error, 4)
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnError: func(err error) {
			select {
			case livenessErr <- err:
			default:
			}
		},
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case err := <-livenessErr:
		if err != errLivenessExpired {
			t.Errorf("Expected liveness error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not recover after watchdog kill")
	}
	client.Disconnect()
}

func TestStreamHandshakeFailureRetries(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sse := newSSEWriter(t, w)
		sse.done()
	}))
	defer server.Close()

	client := NewStreamClient(WithStreamBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 0))
	defer client.Disconnect()

	var handshakeErrs atomic.Int32
	complete := make(chan struct{})

	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnError:    func(error) { handshakeErrs.Add(1) },
		OnComplete: func() { close(complete) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-complete:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not recover from handshake failure")
	}
	client.Disconnect()

	if handshakeErrs.Load() != 1 {
		t.Errorf("Expected 1 handshake error, got %d", handshakeErrs.Load())
	}
	// A failed open is not a recovered drop.
	if client.Reconnects() != 0 {
		t.Errorf("Expected 0 reconnects, got %d", client.Reconnects())
	}
}

func TestStreamDisconnectIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				sse.heartbeat()
			}
		}
	}))
	defer server.Close()

	client := NewStreamClient()

	opened := make(chan struct{})
	var once sync.Once
	err := client.Connect(context.Background(), server.URL, StreamCallbacks{
		OnHeartbeat: func() { once.Do(func() { close(opened) }) },
	})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}

	client.Disconnect()
	client.Disconnect()

	if client.State() != StreamClosed {
		t.Errorf("Expected closed state, got %v", client.State())
	}
}

func TestStreamConnectWhileConnected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		sse.heartbeat()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	if err := client.Connect(context.Background(), server.URL, StreamCallbacks{}); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := client.Connect(context.Background(), server.URL, StreamCallbacks{}); err == nil {
		t.Error("Expected second Connect to fail while connected")
	}
}

func TestStreamContextCancellationStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse := newSSEWriter(t, w)
		sse.heartbeat()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewStreamClient()
	defer client.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Connect(ctx, server.URL, StreamCallbacks{}); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for client.State() != StreamClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if client.State() != StreamClosed {
		t.Errorf("Expected closed state after context cancellation, got %v", client.State())
	}
}

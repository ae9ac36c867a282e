package remotekit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
)

// pendingCall is the executor's bookkeeping for one in-flight
// deduplication key: every caller that submits an identical request while
// it is unresolved attaches here and observes the same terminal result.
type pendingCall struct {
	done chan struct{}
	resp *Response
	err  error

	mu        sync.Mutex
	waiters   int
	completed bool
	execCtx   context.Context
	cancel    context.CancelFunc
}

// pendingTable maps deduplication keys to their single in-flight call.
// At most one pendingCall exists per key at any time.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// acquire attaches the caller to the call for key, creating it when
// absent. The second return is true for the creator, which owns the
// transport attempt and must eventually call complete.
func (t *pendingTable) acquire(key string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if call, exists := t.calls[key]; exists {
		call.mu.Lock()
		call.waiters++
		call.mu.Unlock()
		return call, false
	}

	execCtx, cancel := context.WithCancel(context.Background())
	call := &pendingCall{
		done:    make(chan struct{}),
		waiters: 1,
		execCtx: execCtx,
		cancel:  cancel,
	}
	t.calls[key] = call
	return call, true
}

// complete publishes the result to every waiter and removes the entry so
// a later identical request starts a fresh call.
func (t *pendingTable) complete(key string, call *pendingCall, resp *Response, err error) {
	t.mu.Lock()
	if cur, ok := t.calls[key]; ok && cur == call {
		delete(t.calls, key)
	}
	t.mu.Unlock()

	call.mu.Lock()
	call.resp = resp
	call.err = err
	call.completed = true
	call.mu.Unlock()

	call.cancel()
	close(call.done)
}

// wait blocks until the call resolves or ctx is done. Abandoning the wait
// detaches the caller without disturbing others; the last caller to
// detach cancels the in-flight transport attempt cooperatively.
func (t *pendingTable) wait(ctx context.Context, key string, call *pendingCall) (*Response, error) {
	select {
	case <-call.done:
		call.mu.Lock()
		resp, err := call.resp, call.err
		call.mu.Unlock()
		return resp, err
	case <-ctx.Done():
		t.detach(key, call)
		return nil, cancellationError(ctx)
	}
}

func (t *pendingTable) detach(key string, call *pendingCall) {
	call.mu.Lock()
	call.waiters--
	abandoned := call.waiters == 0 && !call.completed
	call.mu.Unlock()

	if !abandoned {
		return
	}

	// No caller is interested anymore: drop the entry first so a new
	// submission starts clean, then stop the transport attempt.
	t.mu.Lock()
	if cur, ok := t.calls[key]; ok && cur == call {
		delete(t.calls, key)
	}
	t.mu.Unlock()

	call.cancel()
}

// inFlight reports the number of unresolved deduplication keys.
func (t *pendingTable) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// DefaultDedupKeyFunc derives the deduplication key deterministically
// from method, path and the JSON encoding of the body.
func DefaultDedupKeyFunc(req Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.Path))

	if req.Body != nil {
		bodyHash := sha256.New()
		if encoded, err := json.Marshal(req.Body); err == nil {
			bodyHash.Write(encoded)
		} else {
			fmt.Fprintf(bodyHash, "%v", req.Body)
		}
		h.Write(bodyHash.Sum(nil))
	}

	return fmt.Sprintf("%x", h.Sum64())
}

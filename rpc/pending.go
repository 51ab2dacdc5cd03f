package rpc

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// pendingCall is one outstanding synchronous invocation. done is closed
// exactly once, after resp is set; waiters read resp only after done.
type pendingCall struct {
	resp *Response
	done chan struct{}
}

// Calls routes each response to the caller waiting on its correlation id.
// The map lock covers structural mutation only; waiting happens on the
// call's own done channel so one blocked caller never stalls another
// caller's registration or the listener's delivery.
type Calls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func NewCalls() *Calls {
	return &Calls{calls: map[string]*pendingCall{}}
}

// Add registers a waiting slot for correlationID. Must run before the
// request is published so the response can never race its own slot.
// Adding an id twice is a no-op: ids are uuids, a collision means the
// caller reused one.
func (c *Calls) Add(correlationID string) {
	c.mu.Lock()
	if _, ok := c.calls[correlationID]; !ok {
		c.calls[correlationID] = &pendingCall{done: make(chan struct{})}
	}
	c.mu.Unlock()
}

// Fulfil hands resp to the waiting caller. Returns false when nobody is
// waiting: the call timed out and was removed, the request was async, or
// this is a duplicate delivery. Dropping those is expected, not an error.
// Fulfil never removes the entry; removal belongs to the caller.
func (c *Calls) Fulfil(correlationID string, resp *Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.calls[correlationID]
	if !ok || pc.resp != nil {
		return false
	}
	pc.resp = resp
	close(pc.done)
	return true
}

// Wait blocks until the call is fulfilled or timeout elapses.
func (c *Calls) Wait(correlationID string, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	pc, ok := c.calls[correlationID]
	c.mu.Unlock()
	if !ok {
		return nil, status.New(codes.Internal, "wait on unregistered correlation id").Err()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-pc.done:
		return pc.resp, nil
	case <-t.C:
		return nil, ErrTimeout()
	}
}

// Remove deletes the slot. Idempotent; callers run it on every exit path
// so an abandoned id cannot leak or match a late reply.
func (c *Calls) Remove(correlationID string) {
	c.mu.Lock()
	delete(c.calls, correlationID)
	c.mu.Unlock()
}

// Pending reports the number of outstanding calls.
func (c *Calls) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

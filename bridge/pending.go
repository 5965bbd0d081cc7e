package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var errDuplicateID = errors.New("id already pending")

// Result is what the worker sent back for a request.
// Both fields are passed through verbatim; Error is nil unless the worker reported one.
type Result struct {
	Error json.RawMessage
	Value json.RawMessage
}

// Err returns the worker-reported error as a *RemoteError, or nil.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return &RemoteError{Payload: r.Error}
}

// RemoteError is an error reported by the worker for a single request. It is not a failure of the bridge.
type RemoteError struct {
	Payload json.RawMessage
}

func (e *RemoteError) Error() string {
	var s string
	if json.Unmarshal(e.Payload, &s) == nil {
		return "worker error: " + s
	}
	return fmt.Sprintf("worker error: %s", e.Payload)
}

// Call is a submitted request waiting for its response.
// It completes at most once. A call whose response never arrives never completes.
type Call struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result Result
}

func newCall(id string) *Call {
	return &Call{ID: id, done: make(chan struct{})}
}

// Done is closed when the response has arrived.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until Done is closed and returns the response.
func (c *Call) Result() Result {
	<-c.done
	return c.result
}

// Wait blocks until the response arrives or ctx is done.
// Giving up does not withdraw the request: a late response still completes the call.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Call) complete(r Result) {
	c.once.Do(func() {
		c.result = r
		close(c.done)
	})
}

// pendingTable correlates in-flight calls with their ids.
type pendingTable struct {
	m     sync.Mutex
	calls map[string]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: map[string]*Call{}}
}

func (p *pendingTable) register(c *Call) error {
	p.m.Lock()
	defer p.m.Unlock()
	if _, ok := p.calls[c.ID]; ok {
		return fmt.Errorf("%w: %s", errDuplicateID, c.ID)
	}
	p.calls[c.ID] = c
	return nil
}

// resolve removes the call for id and completes it. It returns false if no call was pending under id.
func (p *pendingTable) resolve(id string, r Result) bool {
	p.m.Lock()
	c, ok := p.calls[id]
	delete(p.calls, id)
	p.m.Unlock()
	if !ok {
		return false
	}
	c.complete(r)
	return true
}

func (p *pendingTable) remove(id string) {
	p.m.Lock()
	defer p.m.Unlock()
	delete(p.calls, id)
}

func (p *pendingTable) len() int {
	p.m.Lock()
	defer p.m.Unlock()
	return len(p.calls)
}

// Package tracker implements the pending-request tracker (spec
// component "B"): the record of every bulk request sent to the bridge
// that has not yet been answered, keyed by request ID, with support for
// chasing a dependency chain when one request in it stalls.
//
// A single bulk-OUT transfer can carry one independent command or a
// chain of dependent commands; the bridge answers with exactly one
// response transfer per bulk-OUT transfer, containing one response per
// command in the chain. The tracker exists to let the caller look up
// "what did I send with request ID N" when that response transfer
// arrives, and to let the stall handler remove a stalled request and
// every later request chained to it in one pass.
package tracker

import (
	"context"
	"sync"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/list"
)

// OnResponse is invoked when a tracked request's response arrives. A
// true return relinquishes the response, removing it from the tracker;
// a false return keeps it tracked so a blocking waiter can Consume it.
type OnResponse func(resp *Response, userData any) bool

// Response is the decoded result of a single tracked command.
type Response struct {
	RequestID  uint16
	Attempted  bool
	ErrorStatus i3cerr.CommandStatus
	Data       []byte
}

// Entry is one tracked regular request.
type Entry struct {
	RequestID           uint16
	TotalCommands       int
	DependentOnPrevious bool
	ReattemptCount      int
	Response            *Response
	OnResponseCB        OnResponse
	UserData             any
}

// Tracker holds every outstanding regular (non-IBI, non-vendor) request,
// plus the reattempt ceiling the stall handler consults.
type Tracker struct {
	mu           sync.Mutex
	cond         *sync.Cond
	requests     *list.List[*Entry]
	reattemptMax int
}

// DefaultReattemptMax is the reattempt ceiling used when the caller
// does not override it, matching the reference library's default.
const DefaultReattemptMax = 2

// New creates an empty Tracker. reattemptMax <= 0 selects
// DefaultReattemptMax.
func New(reattemptMax int) *Tracker {
	if reattemptMax <= 0 {
		reattemptMax = DefaultReattemptMax
	}
	t := &Tracker{
		requests:     &list.List[*Entry]{},
		reattemptMax: reattemptMax,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ReattemptMax returns the configured reattempt ceiling.
func (t *Tracker) ReattemptMax() int {
	return t.reattemptMax
}

// Track registers a new outstanding request. Called while the caller
// still holds the next available request ID, before the bulk-OUT
// transfer carrying it is submitted.
func (t *Tracker) Track(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests.Append(entry)
}

// Find returns the tracked entry for requestID, or nil if none is
// outstanding.
func (t *Tracker) Find(requestID uint16) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.requests.SearchNode(requestID, matchRequestID)
	if node == nil {
		return nil
	}
	return node.Data
}

// Complete records resp against its matching tracked entry. If the
// entry carries a callback, it is invoked outside the tracker's lock
// (per this library's no-callback-under-lock rule); a true return
// relinquishes the response and the entry is removed. If the entry
// carries no callback, the response is left in place for a blocking
// waiter to Consume, and every goroutine parked in WaitForResponse is
// woken to re-check its request ID.
func (t *Tracker) Complete(resp *Response) error {
	t.mu.Lock()
	node := t.requests.SearchNode(resp.RequestID, matchRequestID)
	if node == nil {
		t.mu.Unlock()
		return i3cerr.New(i3cerr.NotFound, "no tracked request for response")
	}
	entry := node.Data
	entry.Response = resp
	cb := entry.OnResponseCB
	userData := entry.UserData
	t.mu.Unlock()

	remove := false
	if cb != nil {
		remove = cb(resp, userData)
	}

	t.mu.Lock()
	if remove {
		t.requests.FreeMatchingNodes(resp.RequestID, matchRequestIDCompare)
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// Consume removes and returns a deep copy of requestID's response. It
// fails with NotFound if the request is not tracked, or NotReady if it
// is tracked but no response has arrived yet.
func (t *Tracker) Consume(requestID uint16) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.requests.SearchNode(requestID, matchRequestID)
	if node == nil {
		return nil, i3cerr.New(i3cerr.NotFound, "no tracked request for response")
	}
	if node.Data.Response == nil {
		return nil, i3cerr.New(i3cerr.NotReady, "response has not arrived yet")
	}

	resp := *node.Data.Response
	resp.Data = append([]byte{}, node.Data.Response.Data...)
	t.requests.FreeMatchingNodes(requestID, matchRequestIDCompare)
	return &resp, nil
}

// WaitForResponse blocks until requestID's response arrives, the
// request is removed from the tracker without ever answering (treated
// as NotFound), or ctx is done.
func (t *Tracker) WaitForResponse(ctx context.Context, requestID uint16) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		node := t.requests.SearchNode(requestID, matchRequestID)
		if node == nil {
			return i3cerr.New(i3cerr.NotFound, "no tracked request for response")
		}
		if node.Data.Response != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return i3cerr.Wrap(i3cerr.Timeout, "waiting for response", err)
		}
		t.cond.Wait()
	}
}

// RemoveAndDependents removes the entry for requestID and every entry
// later in the tracker that is chained to it via DependentOnPrevious,
// stopping at the first entry that is not itself dependent on its
// predecessor. This mirrors bulk_transfer_remove_command_and_dependent:
// a stalled request poisons every request built on top of it, but not
// the ones that come after the chain breaks.
func (t *Tracker) RemoveAndDependents(requestID uint16) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Entry
	inChain := false
	t.requests.FreeMatchingNodes(requestID, func(data *Entry, item any) list.CompareResult {
		target := item.(uint16)
		switch {
		case data.RequestID == target:
			inChain = true
			removed = append(removed, data)
			return list.Match
		case inChain && data.DependentOnPrevious:
			removed = append(removed, data)
			return list.Match
		default:
			if inChain {
				// chain broke: stop scanning, nothing after this belongs to it.
				return list.Stop
			}
			return list.Continue
		}
	})
	return removed
}

// IncrementReattempt bumps requestID's reattempt count and returns the
// new value, or -1 if the request is no longer tracked.
func (t *Tracker) IncrementReattempt(requestID uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.requests.SearchNode(requestID, matchRequestID)
	if node == nil {
		return -1
	}
	node.Data.ReattemptCount++
	return node.Data.ReattemptCount
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests.Len()
}

func matchRequestID(data *Entry, item any) bool {
	return data.RequestID == item.(uint16)
}

func matchRequestIDCompare(data *Entry, item any) list.CompareResult {
	if data.RequestID == item.(uint16) {
		return list.Match
	}
	return list.Continue
}

// NextRequestID hands out monotonically increasing 16-bit request IDs,
// so an ID is reused only after wraparound. It does not check whether
// a wrapped ID still belongs to an outstanding request.
type NextRequestID struct {
	mu   sync.Mutex
	next uint16
}

// Allocate returns the next request ID and advances the counter,
// wrapping from 0xFFFF back to 0.
func (g *NextRequestID) Allocate() uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	return id
}

// Package ibi implements in-band-interrupt handling (spec component
// "D"): reassembling multi-fragment IBI response payloads off the
// bulk-IN pipe, queuing them until complete, and pairing each completed
// response with the interrupt notification that announced it so the
// caller's IBI callback fires with both pieces at once.
//
// A hardware IBI arrives to the caller in two independent channels that
// have to be stitched back together: an interrupt-IN notification (four
// bytes, carrying the cause code) and one or more bulk-IN fragments
// carrying the descriptor, optional payload, and completion footer. The
// two arrive in no guaranteed order relative to each other, which is why
// this package keeps two queues (one of notification entries, one of
// completed responses) and only calls out to the caller once both sides
// have something waiting.
package ibi

import (
	"sync"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/list"
	"usbi3c/internal/i3c/wire"
)

// Descriptor mirrors the IBI footer fields the caller needs to decide
// how to handle a completed in-band interrupt.
type Descriptor struct {
	Address     uint8
	ReadWrite   bool
	Status      bool
	Error       bool
	Timestamp   bool
	Type        bool
	MDB         uint8 // mandatory data byte, the first payload byte
}

// Callback is invoked once a queued IBI notification has been paired
// with its completed response.
type Callback func(report uint8, descriptor Descriptor, data []byte, userData any)

type response struct {
	descriptor Descriptor
	data       []byte
	completed  bool
}

// payloadBuffer accumulates bulk-IN fragments for the response currently
// being reassembled, keyed implicitly by arrival order: the protocol
// guarantees fragments for one IBI response arrive contiguously before
// the next response's sequence_id==0 fragment starts a new one.
type payloadBuffer struct {
	chunks [][]byte
	size   int
}

func (p *payloadBuffer) enqueue(chunk []byte) {
	p.chunks = append(p.chunks, chunk)
	p.size += len(chunk)
}

func (p *payloadBuffer) join() []byte {
	if len(p.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	p.chunks = nil
	p.size = 0
	return out
}

// ResponseQueue accumulates completed and in-progress IBI responses
// reassembled from bulk-IN fragments, in arrival order.
type ResponseQueue struct {
	mu      sync.Mutex
	queue   []*response
	pending payloadBuffer
}

// NewResponseQueue creates an empty response queue.
func NewResponseQueue() *ResponseQueue {
	return &ResponseQueue{}
}

// HandleFragment processes one bulk-IN IBI fragment: buf must start with
// an IBI header and end with an IBI footer (spec §4.D, §6). A
// sequence_id of 0 starts a new response; footer.PendingRead carries
// payload bytes that accumulate until footer.LastByte completes it.
func (q *ResponseQueue) HandleFragment(buf []byte) error {
	if len(buf) < 8 {
		return i3cerr.New(i3cerr.MalformedFrame, "IBI fragment too short for header+footer")
	}
	header, err := wire.DecodeIBIHeader(buf[:4])
	if err != nil {
		return err
	}
	footer, err := wire.DecodeIBIFooter(buf[len(buf)-4:])
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if header.SequenceID == 0 {
		if q.pending.size > 0 {
			q.pending.join() // stale data from a dropped/aborted prior response; discard
		}
		q.queue = append(q.queue, &response{descriptor: descriptorFromFooter(footer, buf)})
	}

	if footer.PendingRead {
		payload := buf[4 : len(buf)-4]
		if footer.BytesValid != 0 {
			// the final DWORD of the fragment is only partially valid;
			// bytes_valid counts how many of its leading bytes to keep.
			trim := 4 - int(footer.BytesValid)
			if trim > 0 && trim <= len(payload) {
				payload = payload[:len(payload)-trim]
			}
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		q.pending.enqueue(cp)
	}

	if footer.LastByte {
		if len(q.queue) == 0 {
			return i3cerr.New(i3cerr.InvalidState, "IBI last-byte fragment received but no response queued")
		}
		last := q.queue[len(q.queue)-1]
		last.data = q.pending.join()
		last.completed = true
	}

	return nil
}

func descriptorFromFooter(footer wire.IBIFooter, buf []byte) Descriptor {
	d := Descriptor{
		Address:   footer.TargetAddress,
		ReadWrite: footer.ReadWrite,
		Status:    footer.Status,
		Error:     footer.Error,
		Timestamp: footer.Timestamp,
		Type:      footer.Type,
	}
	if len(buf) > 4 {
		d.MDB = buf[4]
	}
	return d
}

// Front returns the oldest response without removing it, or nil if
// empty.
func (q *ResponseQueue) Front() *response {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[0]
}

// Dequeue removes and returns the oldest response, or nil if empty.
func (q *ResponseQueue) Dequeue() *response {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	r := q.queue[0]
	q.queue = q.queue[1:]
	return r
}

// Size returns the number of responses currently queued, completed or
// not.
func (q *ResponseQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Clear discards every queued response and any in-progress payload.
func (q *ResponseQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	q.pending.join()
}

type entry struct {
	report   uint8
	callback Callback
	userData any
}

// Handler pairs interrupt-IN notifications with completed IBI
// responses from a ResponseQueue, invoking a callback once both halves
// of an in-band interrupt are available.
type Handler struct {
	mu       sync.Mutex
	entries  *list.List[*entry]
	queue    *ResponseQueue
	callback Callback
	userData any
}

// NewHandler creates a Handler backed by queue, which must not be nil.
func NewHandler(queue *ResponseQueue) (*Handler, error) {
	if queue == nil {
		return nil, i3cerr.New(i3cerr.MissingArgument, "ibi response queue is required")
	}
	return &Handler{entries: &list.List[*entry]{}, queue: queue}, nil
}

// SetCallback installs the callback fired when an IBI is completed.
func (h *Handler) SetCallback(cb Callback, userData any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = cb
	h.userData = userData
}

// HandleNotification records an incoming interrupt-IN notification
// (whose Code carries the IBI cause/report) and attempts to dispatch
// any now-complete pairing.
func (h *Handler) HandleNotification(notification wire.Notification) {
	h.mu.Lock()
	cb, userData := h.callback, h.userData
	h.entries.Append(&entry{report: uint8(notification.Code), callback: cb, userData: userData})
	h.mu.Unlock()

	h.CallPending()
}

// CallPending dispatches the oldest queued notification if its paired
// response has completed. It is safe, and necessary, to call this again
// after HandleFragment completes a response out of notification order.
func (h *Handler) CallPending() {
	h.mu.Lock()
	if h.queue.Size() == 0 || h.entries.Head() == nil {
		h.mu.Unlock()
		return
	}
	front := h.queue.Front()
	if front == nil || !front.completed {
		h.mu.Unlock()
		return
	}

	head := h.entries.Head()
	e := head.Data
	h.entries.FreeNode(head)
	h.mu.Unlock()

	resp := h.queue.Dequeue()
	if e.callback != nil {
		e.callback(e.report, resp.descriptor, resp.data, e.userData)
	}
}

// Package stall implements the stall handler (spec component "G"):
// reacting to a STALL_ON_NACK notification by either resuming the
// stalled bulk request (while its tracked reattempt count is under the
// configured ceiling) or cancelling it and every request chained to it
// via dependent_on_previous.
//
// Resuming is itself a transfer that can transiently fail (the bridge
// may be mid-recovery); this retries the CANCEL_OR_RESUME_BULK_REQUEST
// control transfer with a short exponential backoff before giving up,
// the same shape the reference corpus's remote-device reconnect logic
// uses for a flaky link.
package stall

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/i3clog"
	"usbi3c/internal/i3c/tracker"
)

// Action is the resume-or-cancel control transfer the handler issues.
type Action uint8

const (
	ActionCancel Action = 0x0
	ActionResume Action = 0x1
)

// Transport is the subset of the transport interface the stall handler
// needs: submitting a CANCEL_OR_RESUME_BULK_REQUEST control transfer.
type Transport interface {
	CancelOrResumeBulkRequest(ctx context.Context, action Action, requestID uint16) error
}

// OnCancelled is invoked once per request removed from the tracker
// because a stall exceeded its reattempt ceiling.
type OnCancelled func(entry *tracker.Entry)

// Handler reacts to STALL_ON_NACK notifications.
type Handler struct {
	tracker     *tracker.Tracker
	transport   Transport
	log         *i3clog.Logger
	onCancelled OnCancelled
}

// New creates a Handler bound to tracker and transport.
func New(t *tracker.Tracker, transport Transport, log *i3clog.Logger) *Handler {
	return &Handler{tracker: t, transport: transport, log: log}
}

// OnCancelled installs the callback fired for every request the handler
// cancels after exhausting its reattempts.
func (h *Handler) OnCancelled(cb OnCancelled) {
	h.onCancelled = cb
}

// HandleStallOnNack processes the notification code (the stalled
// request's ID) as the reference library's stall_on_nack_handle does:
// resume if under the reattempt ceiling, else cancel the request and
// its dependents.
func (h *Handler) HandleStallOnNack(ctx context.Context, requestID uint16) error {
	entry := h.tracker.Find(requestID)
	if entry == nil {
		h.log.Printf("stall-on-nack for unknown request id %d, ignoring", requestID)
		return nil
	}

	if entry.ReattemptCount < h.tracker.ReattemptMax() {
		if err := h.resumeWithBackoff(ctx, requestID); err != nil {
			return i3cerr.Wrap(i3cerr.Transport, "resuming stalled request", err)
		}
		h.tracker.IncrementReattempt(requestID)
		return nil
	}

	if err := h.transport.CancelOrResumeBulkRequest(ctx, ActionCancel, requestID); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "cancelling stalled request", err)
	}
	removed := h.tracker.RemoveAndDependents(requestID)
	if h.onCancelled != nil {
		for _, e := range removed {
			h.onCancelled(e)
		}
	}
	return nil
}

// resumeWithBackoff retries CANCEL_OR_RESUME_BULK_REQUEST(Resume) a few
// times with a short exponential backoff: the bridge can be mid-
// recovery from the very NACK that triggered this stall, so the first
// resume attempt failing isn't necessarily terminal.
func (h *Handler) resumeWithBackoff(ctx context.Context, requestID uint16) error {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      1 * time.Second,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return h.transport.CancelOrResumeBulkRequest(ctx, ActionResume, requestID)
	}
	return backoff.Retry(op, policy)
}

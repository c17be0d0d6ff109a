package stall

import (
	"context"
	"errors"
	"testing"

	"usbi3c/internal/i3c/i3clog"
	"usbi3c/internal/i3c/tracker"

	"github.com/stretchr/testify/assert"
)

type fakeTransport struct {
	calls      []Action
	failCount  int
	failWith   error
}

func (f *fakeTransport) CancelOrResumeBulkRequest(ctx context.Context, action Action, requestID uint16) error {
	f.calls = append(f.calls, action)
	if f.failCount > 0 {
		f.failCount--
		return f.failWith
	}
	return nil
}

func TestHandleStallOnNackResumesUnderReattemptCeiling(t *testing.T) {
	trk := tracker.New(3)
	trk.Track(&tracker.Entry{RequestID: 10})
	tp := &fakeTransport{}
	h := New(trk, tp, i3clog.Discard())

	err := h.HandleStallOnNack(context.Background(), 10)

	assert.NoError(t, err)
	assert.Equal(t, []Action{ActionResume}, tp.calls)
	assert.NotNil(t, trk.Find(10), "request stays tracked after a resume")
	assert.Equal(t, 1, trk.Find(10).ReattemptCount)
}

func TestHandleStallOnNackCancelsAtReattemptCeiling(t *testing.T) {
	trk := tracker.New(1)
	trk.Track(&tracker.Entry{RequestID: 20, ReattemptCount: 1})
	tp := &fakeTransport{}
	h := New(trk, tp, i3clog.Discard())

	var cancelled []uint16
	h.OnCancelled(func(entry *tracker.Entry) {
		cancelled = append(cancelled, entry.RequestID)
	})

	err := h.HandleStallOnNack(context.Background(), 20)

	assert.NoError(t, err)
	assert.Equal(t, []Action{ActionCancel}, tp.calls)
	assert.Nil(t, trk.Find(20), "request removed once cancelled")
	assert.Equal(t, []uint16{20}, cancelled)
}

func TestHandleStallOnNackCancelsDependentChain(t *testing.T) {
	trk := tracker.New(0)
	trk.Track(&tracker.Entry{RequestID: 1, ReattemptCount: tracker.DefaultReattemptMax})
	trk.Track(&tracker.Entry{RequestID: 2, DependentOnPrevious: true})
	trk.Track(&tracker.Entry{RequestID: 3, DependentOnPrevious: false})
	tp := &fakeTransport{}
	h := New(trk, tp, i3clog.Discard())

	var cancelled []uint16
	h.OnCancelled(func(entry *tracker.Entry) {
		cancelled = append(cancelled, entry.RequestID)
	})

	err := h.HandleStallOnNack(context.Background(), 1)

	assert.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, cancelled)
	assert.NotNil(t, trk.Find(3), "non-dependent request survives")
}

func TestHandleStallOnNackUnknownRequestIsIgnored(t *testing.T) {
	trk := tracker.New(2)
	tp := &fakeTransport{}
	h := New(trk, tp, i3clog.Discard())

	err := h.HandleStallOnNack(context.Background(), 999)
	assert.NoError(t, err)
	assert.Empty(t, tp.calls)
}

func TestHandleStallOnNackResumeTransportFailurePropagates(t *testing.T) {
	trk := tracker.New(3)
	trk.Track(&tracker.Entry{RequestID: 5})
	tp := &fakeTransport{failCount: 100, failWith: errors.New("usb write failed")}
	h := New(trk, tp, i3clog.Discard())

	err := h.HandleStallOnNack(context.Background(), 5)
	assert.Error(t, err)
}

func TestHandleStallOnNackCancelTransportFailurePropagates(t *testing.T) {
	trk := tracker.New(0)
	trk.Track(&tracker.Entry{RequestID: 5, ReattemptCount: tracker.DefaultReattemptMax})
	tp := &fakeTransport{failCount: 100, failWith: errors.New("usb write failed")}
	h := New(trk, tp, i3clog.Discard())

	err := h.HandleStallOnNack(context.Background(), 5)
	assert.Error(t, err)
}

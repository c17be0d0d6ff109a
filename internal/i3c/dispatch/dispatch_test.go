package dispatch

import (
	"testing"

	"usbi3c/internal/i3c/i3clog"
	"usbi3c/internal/i3c/wire"

	"github.com/stretchr/testify/assert"
)

func encodeNotification(t *testing.T, n wire.Notification) []byte {
	t.Helper()
	enc := n.Encode()
	return enc[:]
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := New(i3clog.Discard())

	var got Notification
	var gotUserData any
	d.On(IBI, func(n Notification, userData any) {
		got = n
		gotUserData = userData
	}, "ctx")

	buf := encodeNotification(t, wire.Notification{Type: uint8(IBI), Code: 0xBEEF})
	d.Dispatch(buf)

	assert.Equal(t, IBI, got.Type)
	assert.Equal(t, uint16(0xBEEF), got.Code)
	assert.Equal(t, "ctx", gotUserData)
}

func TestDispatchIgnoresUnregisteredType(t *testing.T) {
	d := New(i3clog.Discard())
	buf := encodeNotification(t, wire.Notification{Type: uint8(BusError), Code: 0x1})

	assert.NotPanics(t, func() { d.Dispatch(buf) })
}

func TestDispatchIgnoresOutOfRangeType(t *testing.T) {
	d := New(i3clog.Discard())
	buf := encodeNotification(t, wire.Notification{Type: 0x7F, Code: 0x1})

	assert.NotPanics(t, func() { d.Dispatch(buf) })
}

func TestDispatchIgnoresReservedZeroType(t *testing.T) {
	d := New(i3clog.Discard())

	var called bool
	d.On(BusInitializationStatus, func(n Notification, userData any) { called = true }, nil)

	buf := encodeNotification(t, wire.Notification{Type: 0, Code: 0x1})
	d.Dispatch(buf)

	assert.False(t, called)
}

func TestDispatchMalformedFrameLogsAndDoesNotPanic(t *testing.T) {
	d := New(i3clog.Discard())
	assert.NotPanics(t, func() { d.Dispatch([]byte{0x01}) })
}

func TestOnIgnoresOutOfRangeRegistration(t *testing.T) {
	d := New(i3clog.Discard())
	assert.NotPanics(t, func() {
		d.On(0, func(n Notification, userData any) {}, nil)
		d.On(99, func(n Notification, userData any) {}, nil)
	})
}

func TestOnReplacesPreviousHandler(t *testing.T) {
	d := New(i3clog.Discard())

	var firstCalled, secondCalled bool
	d.On(BusError, func(n Notification, userData any) { firstCalled = true }, nil)
	d.On(BusError, func(n Notification, userData any) { secondCalled = true }, nil)

	buf := encodeNotification(t, wire.Notification{Type: uint8(BusError), Code: 0x1})
	d.Dispatch(buf)

	assert.False(t, firstCalled)
	assert.True(t, secondCalled)
}

// Package dispatch implements the notification dispatcher (spec
// component "F"): routing the 4-byte interrupt-IN notification frames
// the bridge sends into the handler registered for that notification's
// type, via a fixed 7-slot table indexed by type (index 0 unused,
// indices 1-6 used).
package dispatch

import (
	"usbi3c/internal/i3c/i3clog"
	"usbi3c/internal/i3c/wire"
)

// NotificationType enumerates the notification types a bridge may
// report over the interrupt-IN endpoint.
type NotificationType uint8

const (
	BusInitializationStatus   NotificationType = 0x1
	AddressChangeStatus       NotificationType = 0x2
	BusError                  NotificationType = 0x3
	IBI                       NotificationType = 0x4
	ActiveControllerEvent     NotificationType = 0x5
	StallOnNACK               NotificationType = 0x6
)

// handlersSize matches the reference table size (index 0 unused).
const handlersSize = 7

// Notification is a decoded interrupt-IN frame.
type Notification struct {
	Type NotificationType
	Code uint16
}

// Handler processes one notification type.
type Handler func(n Notification, userData any)

type slot struct {
	handle   Handler
	userData any
}

// Dispatcher routes incoming notification frames to registered
// handlers by notification type.
type Dispatcher struct {
	handlers [handlersSize]slot
	log      *i3clog.Logger
}

// New creates a Dispatcher that logs unhandled/malformed notifications
// through log.
func New(log *i3clog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// On registers handle to run for every notification of the given type,
// replacing any previously registered handler for that type.
func (d *Dispatcher) On(t NotificationType, handle Handler, userData any) {
	if t == 0 || int(t) >= handlersSize {
		return
	}
	d.handlers[t] = slot{handle: handle, userData: userData}
}

// Dispatch decodes buf as a notification frame and invokes its
// registered handler, if any. Malformed frames and frames for an
// out-of-range or reserved (0) type are logged and dropped; frames of a
// valid type with no registered handler are dropped without logging.
func (d *Dispatcher) Dispatch(buf []byte) {
	frame, err := wire.DecodeNotification(buf)
	if err != nil {
		d.log.Printf("invalid notification frame: %v", err)
		return
	}
	n := Notification{Type: NotificationType(frame.Type), Code: frame.Code}

	if n.Type == 0 || int(n.Type) >= handlersSize {
		d.log.Printf("notification type not supported %d, ignored", n.Type)
		return
	}
	s := d.handlers[n.Type]
	if s.handle == nil {
		return
	}
	s.handle(n, s.userData)
}

// Package transport defines the USB-facing boundary this library talks
// to: one control endpoint for class-specific requests, one bulk-OUT
// and one bulk-IN endpoint for command/response transfers, and one
// interrupt-IN endpoint for notifications. Concrete transports (see
// transport/gousbtransport) implement Transport against a real USB
// device; tests implement it against an in-memory fake.
//
// bRequest values below are this library's own numbering for the
// class-specific control requests the USB-I3C device class defines.
// The upstream reference headers that assign the canonical numbers
// (usb_i.h) were not present in the material this library was built
// from, so these are assigned sequentially here and must match
// whatever the bridge firmware expects; adjust them to the bridge's
// actual class-request numbering before talking to real hardware.
package transport

import "context"

// ClassRequest enumerates the USB-I3C class-specific control requests.
type ClassRequest uint8

const (
	ReqGetI3CCapability            ClassRequest = 0x01
	ReqGetTargetDeviceTable        ClassRequest = 0x02
	ReqSetTargetDeviceConfig       ClassRequest = 0x03
	ReqInitializeI3CBus            ClassRequest = 0x04
	ReqChangeDynamicAddress        ClassRequest = 0x05
	ReqGetAddressChangeResult      ClassRequest = 0x06
	ReqGetBufferAvailable          ClassRequest = 0x07
	ReqCancelOrResumeBulkRequest   ClassRequest = 0x08
	ReqSetI3CMode                  ClassRequest = 0x09
	ReqGetDeviceRole               ClassRequest = 0x0A
	ReqSetFeature                  ClassRequest = 0x0B
	ReqClearFeature                ClassRequest = 0x0C
	ReqDeviceToControllerRequest   ClassRequest = 0x0D
)

// ControlTransferEndpointIndex selects which USB-I3C interface endpoint a control
// transfer targets, carried as the control request's wIndex.
const ControlTransferEndpointIndex = 0

// Transport is the USB-facing boundary the protocol engine drives. All
// methods are safe to call from any goroutine; SubmitBulkOut/ReadBulkIn
// contend with the reactor loop reading from the same device.
type Transport interface {
	// ControlIn issues an IN control transfer for req (with the given
	// wValue) and returns up to len(buf) bytes of response data,
	// trimmed to however many bytes the device actually returned.
	ControlIn(ctx context.Context, req ClassRequest, value uint16, buf []byte) (int, error)

	// ControlOut issues an OUT control transfer carrying data.
	ControlOut(ctx context.Context, req ClassRequest, value uint16, data []byte) error

	// SubmitBulkOut sends one complete bulk-OUT transfer.
	SubmitBulkOut(ctx context.Context, data []byte) error

	// ReadBulkIn blocks until one complete bulk-IN transfer is
	// available and returns it.
	ReadBulkIn(ctx context.Context) ([]byte, error)

	// ReadInterrupt blocks until one interrupt-IN notification frame is
	// available and returns it (always 4 bytes on success).
	ReadInterrupt(ctx context.Context) ([]byte, error)

	// Close releases the underlying USB device handle.
	Close() error
}

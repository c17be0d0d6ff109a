// Package gousbtransport implements transport.Transport against a real
// USB-I3C bridge using google/gousb, following the same
// Context/Device/Config/Interface/Endpoint claiming sequence the
// reference driver uses to open its ASIC (usb_device.go's
// OpenUSBDevice), generalized to the USB-I3C device class's four
// endpoints (control, bulk-OUT, bulk-IN, interrupt-IN).
package gousbtransport

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/transport"
)

// USB-I3C device class interface code, per the device class spec.
const InterfaceClassI3C = 0x3C

const (
	controlRequestTypeOut = 0x21 // host-to-device, class, interface
	controlRequestTypeIn  = 0xA1 // device-to-host, class, interface
)

// Config describes which endpoints on the claimed interface carry
// which USB-I3C pipe, since unlike the reference driver's fixed ASIC
// endpoint numbers, a USB-I3C bridge's descriptor assigns these.
type Config struct {
	VendorID     gousb.ID
	ProductID    gousb.ID
	ConfigNum    int
	InterfaceNum int
	AltSetting   int
	BulkOutAddr  gousb.EndpointAddress
	BulkInAddr   gousb.EndpointAddress
	InterruptAddr gousb.EndpointAddress
}

// Transport is a gousb-backed transport.Transport.
type Transport struct {
	ctx     *gousb.Context
	device  *gousb.Device
	config  *gousb.Config
	intf    *gousb.Interface
	epOut   *gousb.OutEndpoint
	epIn    *gousb.InEndpoint
	epIntr  *gousb.InEndpoint
}

// Open claims the bridge described by cfg and returns a ready
// Transport.
func Open(cfg Config) (*Transport, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "opening USB-I3C bridge", err)
	}
	if device == nil {
		ctx.Close()
		return nil, i3cerr.New(i3cerr.NotFound, fmt.Sprintf("no USB-I3C bridge found (VID:%s PID:%s)", cfg.VendorID, cfg.ProductID))
	}

	config, err := device.Config(cfg.ConfigNum)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "setting USB configuration", err)
	}

	intf, err := config.Interface(cfg.InterfaceNum, cfg.AltSetting)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "claiming USB-I3C interface", err)
	}

	epOut, err := intf.OutEndpoint(cfg.BulkOutAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "opening bulk-OUT endpoint", err)
	}

	epIn, err := intf.InEndpoint(cfg.BulkInAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "opening bulk-IN endpoint", err)
	}

	epIntr, err := intf.InEndpoint(cfg.InterruptAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, i3cerr.Wrap(i3cerr.Transport, "opening interrupt-IN endpoint", err)
	}

	return &Transport{
		ctx:    ctx,
		device: device,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
		epIntr: epIntr,
	}, nil
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) ControlIn(ctx context.Context, req transport.ClassRequest, value uint16, buf []byte) (int, error) {
	n, err := t.device.Control(controlRequestTypeIn, uint8(req), value, transport.ControlTransferEndpointIndex, buf)
	if err != nil {
		return 0, i3cerr.Wrap(i3cerr.Transport, "control-in transfer failed", err)
	}
	return n, nil
}

func (t *Transport) ControlOut(ctx context.Context, req transport.ClassRequest, value uint16, data []byte) error {
	_, err := t.device.Control(controlRequestTypeOut, uint8(req), value, transport.ControlTransferEndpointIndex, data)
	if err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "control-out transfer failed", err)
	}
	return nil
}

func (t *Transport) SubmitBulkOut(ctx context.Context, data []byte) error {
	_, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "bulk-OUT transfer failed", err)
	}
	return nil
}

// maxBulkTransferSize bounds a single bulk-IN read; the protocol caps
// individual transfers well under this, it exists only to give
// ReadContext a buffer to fill.
const maxBulkTransferSize = 16 * 1024

func (t *Transport) ReadBulkIn(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxBulkTransferSize)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, i3cerr.Wrap(i3cerr.Transport, "bulk-IN transfer failed", err)
	}
	return buf[:n], nil
}

func (t *Transport) ReadInterrupt(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 4)
	n, err := t.epIntr.ReadContext(ctx, buf)
	if err != nil {
		return nil, i3cerr.Wrap(i3cerr.Transport, "interrupt-IN transfer failed", err)
	}
	return buf[:n], nil
}

func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

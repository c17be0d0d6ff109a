// Package usbmon optionally attaches an eBPF tracepoint program to the
// kernel's usbmon tracepoints to capture raw USB transfer completion
// timing for the bridge's endpoints, for latency diagnostics independent
// of this library's own bulk-IN polling loop.
//
// Like the teacher's own eBPF_driver.go, LoadObjects here is a stub:
// the real collection would be compiled from a .bpf.c source file this
// library doesn't ship, so loading it is left unimplemented rather than
// faked with a hand-written replacement.
package usbmon

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"usbi3c/internal/i3c/i3clog"
)

// TransferEvent mirrors one ring buffer record: a completed USB
// transfer's device/endpoint/length/status, timestamped in kernel
// monotonic nanoseconds.
type TransferEvent struct {
	TimestampNS uint64
	DeviceAddr  uint8
	Endpoint    uint8
	Length      uint32
	Status      int32
}

func decodeTransferEvent(raw []byte) (TransferEvent, error) {
	if len(raw) < 18 {
		return TransferEvent{}, fmt.Errorf("usbmon event too short: %d bytes", len(raw))
	}
	return TransferEvent{
		TimestampNS: binary.LittleEndian.Uint64(raw[0:8]),
		DeviceAddr:  raw[8],
		Endpoint:    raw[9],
		Length:      binary.LittleEndian.Uint32(raw[10:14]),
		Status:      int32(binary.LittleEndian.Uint32(raw[14:18])),
	}, nil
}

// Objects holds the eBPF program and map this tracer attaches.
type Objects struct {
	TraceUSBMon  *ebpf.Program `ebpf:"trace_usb_completion"`
	TransferRing *ebpf.Map     `ebpf:"transfer_events"`
}

func (o *Objects) Close() error {
	if o.TraceUSBMon != nil {
		o.TraceUSBMon.Close()
	}
	if o.TransferRing != nil {
		o.TransferRing.Close()
	}
	return nil
}

// LoadObjects loads the compiled eBPF collection. Stub: returns nil, as
// the corresponding .bpf.c source isn't part of this library.
func LoadObjects(obj *Objects, opts *ebpf.CollectionOptions) error {
	return nil
}

// Tracer reads completed-transfer events off a usbmon tracepoint.
type Tracer struct {
	objs   Objects
	tp     link.Link
	reader *ringbuf.Reader
	log    *i3clog.Logger
}

// Attach loads the eBPF program and attaches it to the usb_complete
// tracepoint, reading completion events into a ring buffer.
func Attach(log *i3clog.Logger) (*Tracer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	var objs Objects
	if err := LoadObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading usbmon eBPF objects: %w", err)
	}

	tp, err := link.Tracepoint("usb", "usb_complete", objs.TraceUSBMon, nil)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching usb_complete tracepoint: %w", err)
	}

	reader, err := ringbuf.NewReader(objs.TransferRing)
	if err != nil {
		tp.Close()
		objs.Close()
		return nil, fmt.Errorf("opening transfer event ring buffer: %w", err)
	}

	log.Printf("usbmon tracer attached")
	return &Tracer{objs: objs, tp: tp, reader: reader, log: log}, nil
}

// Next blocks until the next transfer completion event, or the tracer
// is closed.
func (t *Tracer) Next() (TransferEvent, error) {
	record, err := t.reader.Read()
	if err != nil {
		return TransferEvent{}, err
	}
	return decodeTransferEvent(record.RawSample)
}

// Close detaches the tracepoint and releases the eBPF objects.
func (t *Tracer) Close() error {
	if t.reader != nil {
		t.reader.Close()
	}
	if t.tp != nil {
		t.tp.Close()
	}
	return t.objs.Close()
}

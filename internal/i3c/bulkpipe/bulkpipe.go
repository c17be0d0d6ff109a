// Package bulkpipe implements the bulk-transfer pipeline (spec
// component "C"): encoding outbound command chains into bulk-OUT
// transfers, tracking them, and decoding inbound bulk-IN transfers back
// into per-command responses, IBI fragments, or vendor-specific
// payloads depending on the transfer's tag.
package bulkpipe

import (
	"context"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/ibi"
	"usbi3c/internal/i3c/tracker"
	"usbi3c/internal/i3c/transport"
	"usbi3c/internal/i3c/wire"
)

// Command is one I3C command to submit, optionally dependent on the
// command before it in the same chain.
type Command struct {
	Descriptor wire.CommandDescriptor
	Data       []byte
	OnResponse tracker.OnResponse
	UserData   any
}

// Validate checks the command for the conditions the reference library
// enforces before encoding it onto the wire: Read commands carry no
// data block (their DataLength means "bytes to read back", not "bytes
// attached"), and non-Read commands with a nonzero DataLength must
// carry that much data.
func (c *Command) Validate() error {
	switch {
	case c.Descriptor.Direction == wire.DirRead && c.Descriptor.DataLength == 0:
		return i3cerr.New(i3cerr.InvalidState, "read command requires a data length")
	case c.Descriptor.Direction == wire.DirRead && len(c.Data) != 0:
		return i3cerr.New(i3cerr.InvalidState, "read command cannot carry a data block")
	case c.Descriptor.Direction != wire.DirRead && int(c.Descriptor.DataLength) > 0 && len(c.Data) == 0:
		return i3cerr.New(i3cerr.MissingArgument, "command data length set but no data provided")
	case c.Descriptor.Direction != wire.DirRead && int(c.Descriptor.DataLength) > 0 && len(c.Data) != int(c.Descriptor.DataLength):
		return i3cerr.New(i3cerr.InvalidState, "command data length does not match the data provided")
	}
	return nil
}

// VendorResponse is invoked when a vendor-specific bulk-IN transfer
// arrives.
type VendorResponse func(data []byte, userData any)

// Pipe drives outbound command submission and inbound response
// decoding over a Transport, feeding trackers and the IBI handler.
type Pipe struct {
	transport   transport.Transport
	tracker     *tracker.Tracker
	ibiQueue    *ibi.ResponseQueue
	ibiHandler  *ibi.Handler
	requestIDs  tracker.NextRequestID
	vendorCB    VendorResponse
	vendorUser  any
}

// New creates a Pipe wired to the given transport, request tracker, and
// IBI response queue/handler.
func New(t transport.Transport, trk *tracker.Tracker, ibiQueue *ibi.ResponseQueue, ibiHandler *ibi.Handler) *Pipe {
	return &Pipe{transport: t, tracker: trk, ibiQueue: ibiQueue, ibiHandler: ibiHandler}
}

// OnVendorResponse installs the callback fired for vendor-specific
// bulk-IN transfers.
func (p *Pipe) OnVendorResponse(cb VendorResponse, userData any) {
	p.vendorCB = cb
	p.vendorUser = userData
}

// SendCommands validates and submits a chain of commands as a single
// bulk-OUT transfer, tracking each one so its eventual response (or a
// stall cancellation) can be matched back to it. The first command's
// DependentOnPrevious flag is taken from dependentOnPrevious; every
// later command in the chain is implicitly dependent on the one before
// it, since the bridge executes a chain strictly in order. Returns the
// request ID assigned to each command, in order.
func (p *Pipe) SendCommands(ctx context.Context, commands []*Command, dependentOnPrevious bool) ([]uint16, error) {
	if len(commands) == 0 {
		return nil, i3cerr.New(i3cerr.MissingArgument, "no commands to send")
	}
	for _, c := range commands {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	var available uint32
	buf := make([]byte, 4)
	if _, err := p.transport.ControlIn(ctx, transport.ReqGetBufferAvailable, 0, buf); err != nil {
		return nil, i3cerr.Wrap(i3cerr.Transport, "getting available buffer", err)
	}
	available = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24

	payload, entries, ids := encodeChain(commands, dependentOnPrevious, &p.requestIDs)
	if uint32(len(payload)) > available {
		return nil, i3cerr.New(i3cerr.Overflow, "not enough buffer available on the bridge for this request")
	}

	for _, e := range entries {
		p.tracker.Track(e)
	}

	if err := p.transport.SubmitBulkOut(ctx, payload); err != nil {
		for _, id := range ids {
			p.tracker.RemoveAndDependents(id)
		}
		return nil, i3cerr.Wrap(i3cerr.Transport, "submitting bulk request", err)
	}
	return ids, nil
}

func encodeChain(commands []*Command, dependentOnPrevious bool, ids *tracker.NextRequestID) ([]byte, []*tracker.Entry, []uint16) {
	buf := append([]byte{}, wire.BulkHeader{Tag: wire.TagRegular, DependentOnPrevious: dependentOnPrevious}.Encode()[:]...)

	entries := make([]*tracker.Entry, 0, len(commands))
	requestIDs := make([]uint16, 0, len(commands))
	total := len(commands)

	for i, cmd := range commands {
		requestID := ids.Allocate()
		requestIDs = append(requestIDs, requestID)

		hasData := cmd.Descriptor.Direction != wire.DirRead && cmd.Descriptor.DataLength > 0
		header := wire.CommandBlockHeader{RequestID: requestID, HasData: hasData}
		buf = append(buf, header.Encode()[:]...)
		buf = append(buf, cmd.Descriptor.Encode()[:]...)
		if hasData {
			buf = append(buf, wire.PadLeading(cmd.Data)...)
		}

		dependent := dependentOnPrevious
		if i > 0 {
			dependent = true
		}
		entries = append(entries, &tracker.Entry{
			RequestID:           requestID,
			TotalCommands:       total,
			DependentOnPrevious: dependent,
			OnResponseCB:        cmd.OnResponse,
			UserData:            cmd.UserData,
		})
	}
	return buf, entries, requestIDs
}

// HandleBulkIn decodes one complete bulk-IN transfer and routes it by
// tag: regular responses complete tracked requests, IBI fragments feed
// the IBI reassembly queue (and trigger a pending-dispatch attempt),
// and vendor-specific transfers invoke the vendor callback.
func (p *Pipe) HandleBulkIn(buf []byte) error {
	header, err := wire.DecodeBulkHeader(buf)
	if err != nil {
		return err
	}

	body := buf[4:]
	switch header.Tag {
	case wire.TagIBI:
		if err := p.ibiQueue.HandleFragment(buf); err != nil {
			return err
		}
		if p.ibiHandler != nil {
			p.ibiHandler.CallPending()
		}
		return nil
	case wire.TagVendor:
		if p.vendorCB != nil {
			p.vendorCB(body, p.vendorUser)
		}
		return nil
	case wire.TagRegular:
		return p.handleRegularResponses(body)
	default:
		return i3cerr.New(i3cerr.MalformedFrame, "unknown bulk response tag")
	}
}

// handleRegularResponses parses exactly the number of response blocks
// the first block's tracked entry says the chain carries, rather than
// consuming the buffer by position: a bulk-IN transfer answers one
// whole chain, and the chain's length is only known once its first
// request ID is looked up in the tracker.
func (p *Pipe) handleRegularResponses(body []byte) error {
	offset := 0

	firstHeader, err := wire.DecodeResponseBlockHeader(body)
	if err != nil {
		return err
	}
	entry := p.tracker.Find(firstHeader.RequestID)
	if entry == nil {
		return i3cerr.New(i3cerr.NotFound, "unknown request id in bulk response")
	}

	for i := 0; i < entry.TotalCommands; i++ {
		blockHeader, err := wire.DecodeResponseBlockHeader(body[offset:])
		if err != nil {
			return err
		}
		offset += 4

		resp := &tracker.Response{RequestID: blockHeader.RequestID, Attempted: blockHeader.Attempted}

		if blockHeader.Attempted {
			desc, err := wire.DecodeResponseDescriptor(body[offset:])
			if err != nil {
				return err
			}
			offset += 8
			resp.ErrorStatus = desc.ErrorStatus

			if blockHeader.HasData && desc.DataLength > 0 {
				dataLen := wire.Align4(int(desc.DataLength))
				if offset+dataLen > len(body) {
					return i3cerr.New(i3cerr.MalformedFrame, "response data block truncated")
				}
				trimmed := wire.UnpadLeading(body[offset:offset+dataLen], int(desc.DataLength))
				resp.Data = append([]byte{}, trimmed...)
				offset += dataLen
			}
		}

		if err := p.tracker.Complete(resp); err != nil {
			return err
		}
	}

	return nil
}

// SubmitVendorSpecific emits a single vendor-tagged bulk-OUT transfer
// carrying data. A vendor response callback must already be registered
// via OnVendorResponse, since there is no tracked request ID to match
// the eventual vendor-tagged bulk-IN reply against.
func (p *Pipe) SubmitVendorSpecific(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return i3cerr.New(i3cerr.MissingArgument, "no vendor data to submit")
	}
	if p.vendorCB == nil {
		return i3cerr.New(i3cerr.InvalidState, "no vendor response callback registered")
	}

	buf := append([]byte{}, wire.BulkHeader{Tag: wire.TagVendor}.Encode()[:]...)
	buf = append(buf, wire.PadLeading(data)...)

	if err := p.transport.SubmitBulkOut(ctx, buf); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "submitting vendor specific request", err)
	}
	return nil
}

// Package device implements the usbi3c device façade (spec component
// "H"): the single type a caller opens, initializes, and drives. It owns
// every other component (tracker, target device table, IBI handler,
// notification dispatcher, stall handler, bulk pipe) and walks a fixed
// initialization state machine modeled on usbi3c_initialize_device's
// sequence: query capability, fill the target device table, arm the
// bulk-IN/interrupt-IN reactor goroutines, then run the role-specific
// setup (I3C controller or target device).
package device

import (
	"context"
	"sync"

	"usbi3c/internal/i3c/bulkpipe"
	"usbi3c/internal/i3c/dispatch"
	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/i3clog"
	"usbi3c/internal/i3c/ibi"
	"usbi3c/internal/i3c/stall"
	"usbi3c/internal/i3c/targettable"
	"usbi3c/internal/i3c/tracker"
	"usbi3c/internal/i3c/transport"
	"usbi3c/internal/i3c/wire"
)

// Role is the I3C role a device plays on its bus, reported in the
// GET_I3C_CAPABILITY response header.
type Role uint8

const (
	RolePrimaryController         Role = 0x1
	RoleTargetDevice               Role = 0x2
	RoleTargetSecondaryController Role = 0x3
)

// DataType classifies what the bridge already knows about target
// devices at capability-query time.
type DataType uint8

const (
	DataTypeStatic   DataType = wire.CapabilityDataStatic
	DataTypeNoStatic DataType = wire.CapabilityDataNoStatic
	DataTypeDynamic  DataType = wire.CapabilityDataDynamic
)

// AddressAssignmentMode selects how INITIALIZE_I3C_BUS assigns dynamic
// addresses to target devices during bus initialization.
type AddressAssignmentMode uint16

const (
	ModeControllerDecided   AddressAssignmentMode = 0x0
	ModeEnterDynamicAddress AddressAssignmentMode = 0x1
	ModeStaticAsDynamic     AddressAssignmentMode = 0x2
)

const (
	busInitUninitialized = int8(-1)
	busInitSuccess       = int8(0)
)

// hotJoinAddress is the reserved address a target device uses when
// asking its controller to hot-join an already-initialized bus.
const hotJoinAddress = 0x02

const i3cWrite = 0x1

const maxControlBufferSize = 512

// State is where a Device sits in its initialization sequence.
type State int

const (
	StateDiscovered State = iota
	StateOpened
	StateCapabilitiesLoaded
	StatePollingArmed
	StateRoleInitialized
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateOpened:
		return "Opened"
	case StateCapabilitiesLoaded:
		return "CapabilitiesLoaded"
	case StatePollingArmed:
		return "PollingArmed"
	case StateRoleInitialized:
		return "RoleInitialized"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Capabilities is the parsed GET_I3C_CAPABILITY bus-capability block.
type Capabilities = wire.CapabilityBus

// Info is this device's own role, address, and capabilities, parsed
// once when capabilities are loaded.
type Info struct {
	Role              Role
	DataType          DataType
	Address           uint8
	Capabilities      Capabilities
	HasCapabilityData bool
}

// BusErrorHandler is invoked when a BusError notification arrives.
type BusErrorHandler func(code uint16)

// ControllerEventHandler is invoked when an ActiveControllerEvent
// notification arrives at a target device.
type ControllerEventHandler func(code uint16)

// HotJoinHandler is invoked when a device is inserted into the target
// device table with table events enabled, most notably on hot-join.
type HotJoinHandler func(address uint8)

// Device is the façade over every protocol-engine component.
type Device struct {
	transport transport.Transport
	log       *i3clog.Logger

	tracker      *tracker.Tracker
	table        *targettable.Table
	ibiQueue     *ibi.ResponseQueue
	ibiHandler   *ibi.Handler
	dispatcher   *dispatch.Dispatcher
	stallHandler *stall.Handler
	pipe         *bulkpipe.Pipe

	mu                sync.Mutex
	state             State
	info              *Info
	busInitStatus     int8
	busInitCh         chan struct{}
	busErrorCB        BusErrorHandler
	controllerEventCB ControllerEventHandler

	queueMu      sync.Mutex
	commandQueue []*bulkpipe.Command

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open wraps t in a Device ready for Initialize. label tags the
// device's log lines (two devices opened concurrently must not
// interleave unlabeled output). reattemptMax bounds how many times the
// stall handler resumes a stalled request before cancelling it and its
// dependents; 0 uses tracker.DefaultReattemptMax.
func Open(t transport.Transport, label string, reattemptMax int) *Device {
	if reattemptMax <= 0 {
		reattemptMax = tracker.DefaultReattemptMax
	}
	log := i3clog.New(label)
	trk := tracker.New(reattemptMax)
	table := targettable.New()
	ibiQueue := ibi.NewResponseQueue()
	ibiHandler, _ := ibi.NewHandler(ibiQueue) // queue is never nil here
	dispatcher := dispatch.New(log)

	d := &Device{
		transport:     t,
		log:           log,
		tracker:       trk,
		table:         table,
		ibiQueue:      ibiQueue,
		ibiHandler:    ibiHandler,
		dispatcher:    dispatcher,
		pipe:          bulkpipe.New(t, trk, ibiQueue, ibiHandler),
		state:         StateOpened,
		busInitStatus: busInitUninitialized,
		busInitCh:     make(chan struct{}, 1),
	}
	d.stallHandler = stall.New(trk, stallAdapter{d}, log)
	return d
}

// stallAdapter narrows Device's full transport.Transport down to the
// single control transfer the stall handler needs, since
// CANCEL_OR_RESUME_BULK_REQUEST carries the resume/cancel action as its
// wValue and no data; the reference library doesn't echo the stalled
// request's ID back over the wire, it relies on the bridge already
// knowing which request stalled.
type stallAdapter struct{ d *Device }

func (a stallAdapter) CancelOrResumeBulkRequest(ctx context.Context, action stall.Action, requestID uint16) error {
	return a.d.transport.ControlOut(ctx, transport.ReqCancelOrResumeBulkRequest, uint16(action), nil)
}

// Initialize runs the device through its capability query, table fill,
// reactor arming, and role-specific setup, matching
// usbi3c_initialize_device's sequence. It must be called exactly once,
// from the Opened state.
func (d *Device) Initialize(ctx context.Context) error {
	if d.State() != StateOpened {
		return i3cerr.New(i3cerr.InvalidState, "device is not in the Opened state")
	}

	if err := d.loadCapabilities(ctx); err != nil {
		return err
	}
	d.armPolling(ctx)

	var err error
	switch d.info.Role {
	case RolePrimaryController:
		err = d.initializeController(ctx)
	case RoleTargetDevice, RoleTargetSecondaryController:
		err = d.initializeTargetDevice(ctx)
	default:
		err = i3cerr.New(i3cerr.Unsupported, "unsupported I3C device role")
	}
	if err != nil {
		return err
	}

	d.setState(StateReady)
	return nil
}

// loadCapabilities issues GET_I3C_CAPABILITY, parses the device's own
// role/address/capabilities from the header and bus block, and fills
// the target device table from any per-device capability entries that
// follow, mirroring device_info_create_from_capability_buffer and
// table_fill_from_capability_buffer.
func (d *Device) loadCapabilities(ctx context.Context) error {
	buf := make([]byte, maxControlBufferSize)
	n, err := d.transport.ControlIn(ctx, transport.ReqGetI3CCapability, 0, buf)
	if err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "reading I3C capability", err)
	}
	buf = buf[:n]

	header, err := wire.DecodeCapabilityHeader(buf)
	if err != nil {
		return err
	}

	info := &Info{}
	switch header.ErrorCode {
	case wire.CapabilityErrorDeviceDoesNotContainData:
		// the host assumes the primary controller role for an I3C
		// device with no knowledge of target devices on the bus.
		info.Role = RolePrimaryController
		info.DataType = DataTypeNoStatic
	case wire.CapabilityErrorDeviceContainsData:
		if len(buf) < wire.CapabilityHeaderSize+wire.CapabilityBusSize {
			return i3cerr.New(i3cerr.MalformedFrame, "capability buffer truncated")
		}
		bus, err := wire.DecodeCapabilityBus(buf[wire.CapabilityHeaderSize:])
		if err != nil {
			return err
		}
		info.Role = Role(header.DeviceRole)
		info.DataType = DataType(header.DataType)
		info.Address = bus.I3CDeviceAddress
		info.Capabilities = bus
		info.HasCapabilityData = true

		entries := decodeCapabilityDeviceEntries(buf, header.TotalLength)
		if err := d.table.FillFromCapabilityBuffer(header, entries); err != nil {
			return err
		}
	default:
		return i3cerr.New(i3cerr.MalformedFrame, "unknown GET_I3C_CAPABILITY error code")
	}

	d.mu.Lock()
	d.info = info
	d.state = StateCapabilitiesLoaded
	d.mu.Unlock()
	return nil
}

func decodeCapabilityDeviceEntries(buf []byte, totalLength uint16) []wire.CapabilityDeviceEntry {
	offset := wire.CapabilityHeaderSize + wire.CapabilityBusSize
	end := int(totalLength)
	if end > len(buf) {
		end = len(buf)
	}
	var entries []wire.CapabilityDeviceEntry
	for offset+wire.CapabilityDeviceEntrySize <= end {
		entry, err := wire.DecodeCapabilityDeviceEntry(buf[offset:])
		if err != nil {
			break
		}
		entries = append(entries, entry)
		offset += wire.CapabilityDeviceEntrySize
	}
	return entries
}

// armPolling registers every notification handler and starts the
// background reactor goroutines that poll the bulk-IN and interrupt-IN
// endpoints, mirroring usbi3c_initialize_device starting bulk response
// polling and the USB interrupt handler before any role-specific setup
// runs. The goroutines run until Close, not until ctx is done: ctx only
// bounds the initialization call that arms them.
func (d *Device) armPolling(ctx context.Context) {
	reactorCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.dispatcher.On(dispatch.BusInitializationStatus, d.handleBusInitStatus, nil)
	d.dispatcher.On(dispatch.AddressChangeStatus, d.handleAddressChangeStatus, nil)
	d.dispatcher.On(dispatch.BusError, d.handleBusError, nil)
	d.dispatcher.On(dispatch.IBI, d.handleIBINotification, nil)
	d.dispatcher.On(dispatch.StallOnNACK, d.handleStallOnNack, nil)

	d.wg.Add(2)
	go d.pollBulkIn(reactorCtx)
	go d.pollInterrupt(reactorCtx)

	d.setState(StatePollingArmed)
}

func (d *Device) pollBulkIn(ctx context.Context) {
	defer d.wg.Done()
	for {
		buf, err := d.transport.ReadBulkIn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Printf("bulk-IN read failed: %v", err)
			continue
		}
		if err := d.pipe.HandleBulkIn(buf); err != nil {
			d.log.Printf("bulk-IN handling failed: %v", err)
		}
	}
}

func (d *Device) pollInterrupt(ctx context.Context) {
	defer d.wg.Done()
	for {
		buf, err := d.transport.ReadInterrupt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Printf("interrupt-IN read failed: %v", err)
			continue
		}
		d.dispatcher.Dispatch(buf)
	}
}

func (d *Device) handleBusInitStatus(n dispatch.Notification, _ any) {
	d.mu.Lock()
	d.busInitStatus = int8(n.Code)
	ch := d.busInitCh
	d.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (d *Device) handleBusError(n dispatch.Notification, _ any) {
	d.mu.Lock()
	cb := d.busErrorCB
	d.mu.Unlock()
	if cb != nil {
		cb(n.Code)
	}
}

func (d *Device) handleIBINotification(n dispatch.Notification, _ any) {
	d.ibiHandler.HandleNotification(wire.Notification{Type: uint8(n.Type), Code: n.Code})
}

func (d *Device) handleStallOnNack(n dispatch.Notification, _ any) {
	if err := d.stallHandler.HandleStallOnNack(context.Background(), n.Code); err != nil {
		d.log.Printf("stall-on-nack handling failed: %v", err)
	}
}

func (d *Device) handleActiveControllerEvent(n dispatch.Notification, _ any) {
	d.mu.Lock()
	cb := d.controllerEventCB
	d.mu.Unlock()
	if cb != nil {
		cb(n.Code)
	}
}

// ADDRESS_CHANGE_STATUS notification codes (§4.E, §6).
const (
	addressChangeAllSucceeded     = 0x0
	addressChangeSomeFailed       = 0x1
	addressChangeHotJoinSucceeded = 0x2
	addressChangeHotJoinFailed    = 0x3
)

// handleAddressChangeStatus reacts to an ADDRESS_CHANGE_STATUS
// notification: for a controller-initiated change (succeeded fully or
// partially), it fetches the per-entry result and applies it; for a
// hot-join address assignment, it re-fetches the whole target device
// table instead, since a hot-joining device wasn't part of any pending
// change_i3c_device_address call.
func (d *Device) handleAddressChangeStatus(n dispatch.Notification, _ any) {
	ctx := context.Background()
	switch uint8(n.Code) {
	case addressChangeAllSucceeded, addressChangeSomeFailed:
		if err := d.fetchAddressChangeResult(ctx); err != nil {
			d.log.Printf("fetching address change result failed: %v", err)
		}
	case addressChangeHotJoinSucceeded:
		if err := d.refreshTargetDeviceTable(ctx); err != nil {
			d.log.Printf("refreshing target device table after hot-join address assignment failed: %v", err)
		}
	case addressChangeHotJoinFailed:
		d.log.Printf("hot-join address assignment failed")
	default:
		d.log.Printf("unknown address change status code %#x", n.Code)
	}
}

// fetchAddressChangeResult issues GET_ADDRESS_CHANGE_RESULT and applies
// every entry it reports.
func (d *Device) fetchAddressChangeResult(ctx context.Context) error {
	buf := make([]byte, maxControlBufferSize)
	n, err := d.transport.ControlIn(ctx, transport.ReqGetAddressChangeResult, 0, buf)
	if err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "getting address change result", err)
	}
	buf = buf[:n]

	header, err := wire.DecodeAddressChangeResultHeader(buf)
	if err != nil {
		return err
	}
	offset := wire.AddressChangeResultHeaderSize
	end := int(header.Size)
	if end > len(buf) {
		end = len(buf)
	}
	for i := 0; i < int(header.NumEntries) && offset+wire.AddressChangeResultEntrySize <= end; i++ {
		entry, err := wire.DecodeAddressChangeResultEntry(buf[offset:])
		if err != nil {
			return err
		}
		d.applyAddressChangeResult(entry)
		offset += wire.AddressChangeResultEntrySize
	}
	return nil
}

// applyAddressChangeResult updates the target device table for one
// resolved address change and fires the request's callback, removing
// it from the address-change tracker.
func (d *Device) applyAddressChangeResult(entry wire.AddressChangeResultEntry) {
	status := uint8(0)
	if entry.Failed {
		status = 1
	} else if err := d.table.ChangeAddress(entry.CurrentAddress, entry.NewAddress); err != nil {
		d.log.Printf("applying address change %#x -> %#x failed: %v", entry.CurrentAddress, entry.NewAddress, err)
	}

	cb, userData := d.table.TakeAddressChangeCallback(entry.CurrentAddress, entry.NewAddress)
	if cb != nil {
		cb(entry.CurrentAddress, entry.NewAddress, status, userData)
	}
}

// ChangeI3CDeviceAddress issues a CHANGE_DYNAMIC_ADDRESS request moving
// the target device at oldAddress to newAddress, using its own
// provisioned ID as looked up in the target device table. Only the
// active I3C controller may change a target device's address. The
// result arrives asynchronously: cb fires once the bridge's
// ADDRESS_CHANGE_STATUS notification and the resulting
// GET_ADDRESS_CHANGE_RESULT entry for this pair have been processed.
func (d *Device) ChangeI3CDeviceAddress(ctx context.Context, oldAddress, newAddress uint8, cb targettable.AddressChangeCallback, userData any) error {
	if d.Info().Role != RolePrimaryController {
		return i3cerr.New(i3cerr.InvalidState, "only the active I3C controller can change a target device's address")
	}
	target := d.table.Get(oldAddress)
	if target == nil {
		return i3cerr.New(i3cerr.NotFound, "target device with old address not found")
	}
	if d.table.Get(newAddress) != nil {
		return i3cerr.New(i3cerr.Duplicate, "new address already in use")
	}

	header := wire.AddressChangeHeader{NumEntries: 1}
	entry := wire.AddressChangeEntry{
		CurrentAddress: oldAddress,
		NewAddress:     newAddress,
		PIDLo:          target.PIDLo,
		PIDHi:          target.PIDHi,
	}
	buf := append([]byte{}, header.Encode()[:]...)
	buf = append(buf, entry.Encode()[:]...)

	if err := d.transport.ControlOut(ctx, transport.ReqChangeDynamicAddress, 0, buf); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "changing dynamic address", err)
	}

	d.table.TrackAddressChange(oldAddress, newAddress, cb, userData)
	return nil
}

// initializeController runs the primary-controller setup:
// initialize_i3c_bus's address-assignment-mode decision, waiting for
// the resulting BusInitializationStatus, refreshing the target device
// table, applying a default per-device configuration, and enabling
// table events (so hot-joins start firing OnHotJoin).
func (d *Device) initializeController(ctx context.Context) error {
	mode, err := d.decideAddressAssignmentMode()
	if err != nil {
		return err
	}
	if err := d.transport.ControlOut(ctx, transport.ReqInitializeI3CBus, uint16(mode), nil); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "initializing I3C bus", err)
	}

	status, err := d.waitForBusInit(ctx)
	if err != nil {
		return err
	}
	if status != busInitSuccess {
		return i3cerr.NewBusInitFailed(status)
	}

	if err := d.refreshTargetDeviceTable(ctx); err != nil {
		return err
	}
	if err := d.setDefaultTargetDeviceConfig(ctx); err != nil {
		return err
	}
	d.table.EnableEvents()

	d.setState(StateRoleInitialized)
	return nil
}

// decideAddressAssignmentMode picks the INITIALIZE_I3C_BUS mode,
// mirroring initialize_i3c_bus: if the bridge already told us its data
// type is static or dynamic, let it decide; otherwise census the table
// we were given (if any) and pick the matching single-protocol mode, or
// fall back to controller-decided for a mixed table, or to dynamic
// address assignment if we have no table to go on at all.
func (d *Device) decideAddressAssignmentMode() (AddressAssignmentMode, error) {
	if d.info.DataType == DataTypeStatic || d.info.DataType == DataTypeDynamic {
		return ModeControllerDecided, nil
	}
	if d.table.Len() == 0 {
		return ModeEnterDynamicAddress, nil
	}
	static, dynamic, err := d.table.IdentifyAddressModes()
	if err != nil {
		return 0, err
	}
	switch {
	case static > 0 && dynamic == 0:
		return ModeStaticAsDynamic, nil
	case dynamic > 0 && static == 0:
		return ModeEnterDynamicAddress, nil
	default:
		return ModeControllerDecided, nil
	}
}

func (d *Device) waitForBusInit(ctx context.Context) (int8, error) {
	for {
		d.mu.Lock()
		status := d.busInitStatus
		d.mu.Unlock()
		if status != busInitUninitialized {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return 0, i3cerr.Wrap(i3cerr.Timeout, "waiting for bus initialization status", ctx.Err())
		case <-d.busInitCh:
		}
	}
}

func (d *Device) refreshTargetDeviceTable(ctx context.Context) error {
	buf := make([]byte, maxControlBufferSize)
	n, err := d.transport.ControlIn(ctx, transport.ReqGetTargetDeviceTable, 0, buf)
	if err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "getting target device table", err)
	}
	buf = buf[:n]

	header, err := wire.DecodeTargetTableHeader(buf)
	if err != nil {
		return err
	}
	offset := wire.TargetTableHeaderSize
	end := int(header.TableSize)
	if end > len(buf) {
		end = len(buf)
	}
	var entries []wire.TargetTableEntry
	for offset+wire.TargetTableEntrySize <= end {
		entry, err := wire.DecodeTargetTableEntry(buf[offset:])
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		offset += wire.TargetTableEntrySize
	}
	return d.table.FillFromDeviceTableBuffer(entries)
}

// setDefaultTargetDeviceConfig applies an initial per-device
// configuration derived from this controller's own capabilities,
// mirroring usbi3c_set_default_target_device_config: every bit set
// except the ones this controller can actually honor (controller role
// handoff, in-band interrupt requests).
func (d *Device) setDefaultTargetDeviceConfig(ctx context.Context) error {
	config := uint8(0xFF)
	if d.info.Capabilities.HandoffControllerRole {
		config &^= targettable.ConfigControllerRoleRequest
	}
	if d.info.Capabilities.IBICapability {
		config &^= targettable.ConfigTargetInterruptRequest
	}
	buf := d.table.BuildSetConfigBuffer(config, d.info.Capabilities.MaxIBIPayloadSize)
	if err := d.transport.ControlOut(ctx, transport.ReqSetTargetDeviceConfig, 0, buf); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "setting default target device configuration", err)
	}
	return d.refreshTargetDeviceTable(ctx)
}

// initializeTargetDevice runs the target-device setup: register the
// ActiveControllerEvent handler, then send a hot-join request to an
// already-initialized bus, mirroring usbi3c_initialize_target_device.
func (d *Device) initializeTargetDevice(ctx context.Context) error {
	d.dispatcher.On(dispatch.ActiveControllerEvent, d.handleActiveControllerEvent, nil)

	if err := d.sendRequestToController(ctx, hotJoinAddress, i3cWrite); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "requesting hot-join", err)
	}

	d.setState(StateRoleInitialized)
	return nil
}

// sendRequestToController packs a target-device-to-controller request
// (hot-join, or a secondary controller's role request) into a single
// control transfer: address in the low byte, read/write direction in
// the high byte.
func (d *Device) sendRequestToController(ctx context.Context, address uint8, readWrite uint8) error {
	value := uint16(address) | uint16(readWrite)<<8
	return d.transport.ControlOut(ctx, transport.ReqDeviceToControllerRequest, value, nil)
}

// RequestControllerRole asks the active I3C controller to hand off the
// controller role to this device. Only valid for a target device
// capable of secondary controller operation.
func (d *Device) RequestControllerRole(ctx context.Context) error {
	info := d.Info()
	if info.Role != RoleTargetSecondaryController {
		return i3cerr.New(i3cerr.InvalidState, "only a secondary-controller-capable target device can request the controller role")
	}
	return d.sendRequestToController(ctx, info.Address, i3cWrite)
}

// FeatureSelector selects a SET_FEATURE/CLEAR_FEATURE-controlled I3C
// feature. Only valid while this device holds the active I3C
// controller role.
type FeatureSelector uint8

const (
	FeatureI3CBus                    FeatureSelector = 0x01 // CLEAR_FEATURE only
	FeatureControllerRoleHandoff     FeatureSelector = 0x02
	FeatureRegularIBI                FeatureSelector = 0x03
	FeatureHotJoin                   FeatureSelector = 0x04
	FeatureRegularIBIWake            FeatureSelector = 0x06
	FeatureHotJoinWake               FeatureSelector = 0x07
	FeatureControllerRoleRequestWake FeatureSelector = 0x08
	FeatureHDRModeExitRecovery       FeatureSelector = 0x09 // CLEAR_FEATURE only
)

// EnableFeature issues SET_FEATURE for selector, targeting address (0
// for bus-wide features, or the broadcast address).
func (d *Device) EnableFeature(ctx context.Context, selector FeatureSelector, address uint8) error {
	if err := d.transport.ControlOut(ctx, transport.ReqSetFeature, uint16(selector)|uint16(address)<<8, nil); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "enabling feature", err)
	}
	return nil
}

// DisableFeature issues CLEAR_FEATURE for selector.
func (d *Device) DisableFeature(ctx context.Context, selector FeatureSelector, address uint8) error {
	if err := d.transport.ControlOut(ctx, transport.ReqClearFeature, uint16(selector)|uint16(address)<<8, nil); err != nil {
		return i3cerr.Wrap(i3cerr.Transport, "disabling feature", err)
	}
	return nil
}

func (d *Device) EnableControllerRoleHandoff(ctx context.Context) error {
	return d.EnableFeature(ctx, FeatureControllerRoleHandoff, 0)
}

func (d *Device) DisableControllerRoleHandoff(ctx context.Context) error {
	return d.DisableFeature(ctx, FeatureControllerRoleHandoff, 0)
}

func (d *Device) EnableRegularIBI(ctx context.Context, address uint8) error {
	return d.EnableFeature(ctx, FeatureRegularIBI, address)
}

func (d *Device) DisableRegularIBI(ctx context.Context, address uint8) error {
	return d.DisableFeature(ctx, FeatureRegularIBI, address)
}

func (d *Device) EnableHotJoin(ctx context.Context) error {
	return d.EnableFeature(ctx, FeatureHotJoin, 0)
}

func (d *Device) DisableHotJoin(ctx context.Context) error {
	return d.DisableFeature(ctx, FeatureHotJoin, 0)
}

// EnqueueCommand appends a regular I3C command to the device's command
// queue, to be submitted by a later SendCommands or SubmitCommands
// call.
func (d *Device) EnqueueCommand(targetAddress uint8, direction wire.Direction, errorHandling wire.ErrorHandling, dataLength uint32, data []byte, onResponse tracker.OnResponse, userData any) error {
	return d.enqueue(&bulkpipe.Command{
		Descriptor: wire.CommandDescriptor{
			CommandType:   wire.CommandRegular,
			Direction:     direction,
			ErrorHandling: errorHandling,
			TargetAddress: targetAddress,
			DataLength:    dataLength,
		},
		Data:       data,
		OnResponse: onResponse,
		UserData:   userData,
	})
}

// EnqueueCCC appends a Common Command Code command to the device's
// command queue.
func (d *Device) EnqueueCCC(targetAddress uint8, direction wire.Direction, errorHandling wire.ErrorHandling, ccc uint8, dataLength uint32, data []byte, onResponse tracker.OnResponse, userData any) error {
	return d.enqueue(&bulkpipe.Command{
		Descriptor: wire.CommandDescriptor{
			CommandType:   wire.CommandCCC,
			Direction:     direction,
			ErrorHandling: errorHandling,
			TargetAddress: targetAddress,
			CCC:           ccc,
			DataLength:    dataLength,
		},
		Data:       data,
		OnResponse: onResponse,
		UserData:   userData,
	})
}

// EnqueueCCCWithDefiningByte appends a Common Command Code command that
// carries a defining byte to the device's command queue.
func (d *Device) EnqueueCCCWithDefiningByte(targetAddress uint8, direction wire.Direction, errorHandling wire.ErrorHandling, ccc, definingByte uint8, dataLength uint32, data []byte, onResponse tracker.OnResponse, userData any) error {
	return d.enqueue(&bulkpipe.Command{
		Descriptor: wire.CommandDescriptor{
			CommandType:   wire.CommandCCCWithDefiningByte,
			Direction:     direction,
			ErrorHandling: errorHandling,
			TargetAddress: targetAddress,
			CCC:           ccc,
			DefiningByte:  definingByte,
			DataLength:    dataLength,
		},
		Data:       data,
		OnResponse: onResponse,
		UserData:   userData,
	})
}

func (d *Device) enqueue(cmd *bulkpipe.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	d.commandQueue = append(d.commandQueue, cmd)
	return nil
}

// Target Reset Pattern CCC codes (§4.H).
const (
	broadcastRSTACT = 0x2A
	directRSTACT    = 0x9A
)

// EnqueueTargetResetPattern appends a Target Reset Pattern to the
// command queue. A Target Reset Pattern can only be chained after other
// Target Reset Patterns or RSTACT CCCs (queued with a defining byte)
// using TERMINATE_ON_ANY_ERROR;
// any other command already queued makes the chain ambiguous to the
// bridge and is rejected.
func (d *Device) EnqueueTargetResetPattern(onResponse tracker.OnResponse, userData any) error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	for _, queued := range d.commandQueue {
		desc := queued.Descriptor
		if desc.CommandType == wire.CommandTargetResetPattern {
			continue
		}
		if desc.CommandType == wire.CommandCCCWithDefiningByte &&
			(desc.CCC == broadcastRSTACT || desc.CCC == directRSTACT) &&
			desc.ErrorHandling == wire.TerminateOnAnyError {
			continue
		}
		return i3cerr.New(i3cerr.InvalidState, "only target reset patterns and RSTACT CCCs with TERMINATE_ON_ANY_ERROR may already be queued")
	}

	d.commandQueue = append(d.commandQueue, &bulkpipe.Command{
		Descriptor: wire.CommandDescriptor{CommandType: wire.CommandTargetResetPattern},
		OnResponse: onResponse,
		UserData:   userData,
	})
	return nil
}

func (d *Device) takeQueue() []*bulkpipe.Command {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	queue := d.commandQueue
	d.commandQueue = nil
	return queue
}

// SendCommands drains the device's command queue and submits it as a
// single bulk-OUT transfer, then blocks until the first response of
// the chain arrives (or ctx is done) and collects every response in
// the chain, in order. Every queued command's callback is discarded
// first, since a response collected this way has nowhere else to go
// but the returned slice. The queue is drained whether this succeeds
// or fails.
func (d *Device) SendCommands(ctx context.Context, dependentOnPrevious bool) ([]*tracker.Response, error) {
	commands := d.takeQueue()
	if len(commands) == 0 {
		return nil, i3cerr.New(i3cerr.MissingArgument, "the command queue is empty")
	}
	for _, c := range commands {
		c.OnResponse = nil
		c.UserData = nil
	}

	ids, err := d.pipe.SendCommands(ctx, commands, dependentOnPrevious)
	if err != nil {
		return nil, err
	}

	if err := d.tracker.WaitForResponse(ctx, ids[0]); err != nil {
		return nil, err
	}

	responses := make([]*tracker.Response, len(ids))
	for i, id := range ids {
		if err := d.tracker.WaitForResponse(ctx, id); err != nil {
			return nil, err
		}
		resp, err := d.tracker.Consume(id)
		if err != nil {
			return nil, err
		}
		responses[i] = resp
	}
	return responses, nil
}

// SubmitCommands drains the device's command queue and submits it as a
// single bulk-OUT transfer without blocking for a response. Every
// queued command must already carry a response callback, since this is
// the only path by which its result will ever reach the caller. The
// queue is drained whether this succeeds or fails.
func (d *Device) SubmitCommands(ctx context.Context, dependentOnPrevious bool) error {
	commands := d.takeQueue()
	if len(commands) == 0 {
		return i3cerr.New(i3cerr.MissingArgument, "the command queue is empty")
	}
	for _, c := range commands {
		if c.OnResponse == nil {
			return i3cerr.New(i3cerr.MissingArgument, "a queued command is missing its response callback")
		}
	}

	_, err := d.pipe.SendCommands(ctx, commands, dependentOnPrevious)
	return err
}

// SubmitVendorSpecificRequest emits a vendor-tagged bulk-OUT transfer
// carrying data. A vendor response callback must already be registered
// via OnVendorResponse.
func (d *Device) SubmitVendorSpecificRequest(ctx context.Context, data []byte) error {
	return d.pipe.SubmitVendorSpecific(ctx, data)
}

// OnIBI installs the callback fired when a queued in-band interrupt
// notification is paired with its completed bulk-IN response.
func (d *Device) OnIBI(cb ibi.Callback, userData any) {
	d.ibiHandler.SetCallback(cb, userData)
}

// OnBusError installs the callback fired for BusError notifications.
func (d *Device) OnBusError(cb BusErrorHandler) {
	d.mu.Lock()
	d.busErrorCB = cb
	d.mu.Unlock()
}

// OnControllerEvent installs the callback fired for
// ActiveControllerEvent notifications, meaningful only to a target
// device.
func (d *Device) OnControllerEvent(cb ControllerEventHandler) {
	d.mu.Lock()
	d.controllerEventCB = cb
	d.mu.Unlock()
}

// OnHotJoin installs the callback fired when a new device is inserted
// into the target device table.
func (d *Device) OnHotJoin(cb HotJoinHandler) {
	d.table.OnInsertDevice(func(address uint8, _ any) { cb(address) }, nil)
}

// OnStallCancelled installs the callback fired for every request
// cancelled after its stall exceeded the reattempt ceiling.
func (d *Device) OnStallCancelled(cb stall.OnCancelled) {
	d.stallHandler.OnCancelled(cb)
}

// OnVendorResponse installs the callback fired for vendor-specific
// bulk-IN transfers.
func (d *Device) OnVendorResponse(cb bulkpipe.VendorResponse, userData any) {
	d.pipe.OnVendorResponse(cb, userData)
}

// TargetDevices returns the target device table backing this device.
func (d *Device) TargetDevices() *targettable.Table {
	return d.table
}

// State returns the device's current initialization state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Info returns the device's own role/address/capabilities. Zero until
// Initialize has loaded capabilities.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info == nil {
		return Info{}
	}
	return *d.info
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Close stops the reactor goroutines and closes the underlying
// transport.
func (d *Device) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return d.transport.Close()
}

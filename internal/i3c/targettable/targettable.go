// Package targettable implements the target-device table (spec
// component "E"): the host's ordered, address-unique record of every
// I3C/I2C device visible on the bus, built from capability and
// target-device-table buffers returned by the bridge, and kept current
// as addresses change during dynamic address assignment and hot-join.
package targettable

import (
	"sync"

	"usbi3c/internal/i3c/i3cerr"
	"usbi3c/internal/i3c/list"
	"usbi3c/internal/i3c/wire"
)

// DeviceType distinguishes I3C from I2C entries.
type DeviceType = wire.TargetType

// Device is one entry in the target device table.
type Device struct {
	Address                uint8
	TargetInterruptRequest bool
	ControllerRoleRequest  bool
	IBITimestamp           bool
	ASA                    uint8
	DAA                    bool
	ChangeFlags            uint8
	Type                   DeviceType
	PendingReadCapability  bool
	ValidPID               bool
	MaxIBIPayloadSize      uint32
	BCR                    uint8
	DCR                    uint8
	PIDLo                  uint16
	PIDHi                  uint32
	StaticAddress          uint8 // from the capability entry; 0 if none
	IBIPrioritization      uint8
}

// PID returns the device's 48-bit provisioned ID (PIDHi<<16 | PIDLo).
func (d *Device) PID() uint64 {
	return (uint64(d.PIDHi) << 16) | uint64(d.PIDLo)
}

// OnInsert is invoked when a device is added to the table with events
// enabled, most notably on hot-join.
type OnInsert func(address uint8, userData any)

// Table is the ordered, address-unique set of target devices.
type Table struct {
	mu                   sync.Mutex
	devices              *list.List[*Device]
	enableEvents         bool
	onInsert             OnInsert
	userData             any
	addressChangeTracker *list.List[*addressChangeRequest]
}

// New creates an empty target device table.
func New() *Table {
	return &Table{
		devices:              &list.List[*Device]{},
		addressChangeTracker: &list.List[*addressChangeRequest]{},
	}
}

// AddressChangeCallback is invoked once a pending address change
// resolves, reporting the addresses it was requested between and the
// bridge's per-entry status.
type AddressChangeCallback func(oldAddress, newAddress, status uint8, userData any)

type addressChangeRequest struct {
	oldAddress uint8
	newAddress uint8
	cb         AddressChangeCallback
	userData   any
}

func addressChangeRequestID(oldAddress, newAddress uint8) uint16 {
	return uint16(oldAddress)<<8 | uint16(newAddress)
}

// TrackAddressChange records a pending address-change request, keyed by
// the (old, new) address pair, so TakeAddressChangeCallback can later
// retrieve and fire its callback once GET_ADDRESS_CHANGE_RESULT names
// that pair as resolved.
func (t *Table) TrackAddressChange(oldAddress, newAddress uint8, cb AddressChangeCallback, userData any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addressChangeTracker.Append(&addressChangeRequest{
		oldAddress: oldAddress,
		newAddress: newAddress,
		cb:         cb,
		userData:   userData,
	})
}

// TakeAddressChangeCallback removes and returns the callback/user data
// tracked for the (oldAddress, newAddress) pair, or (nil, nil) if no
// request is tracked for it.
func (t *Table) TakeAddressChangeCallback(oldAddress, newAddress uint8) (AddressChangeCallback, any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := addressChangeRequestID(oldAddress, newAddress)
	node := t.addressChangeTracker.SearchNode(id, func(data *addressChangeRequest, item any) bool {
		return addressChangeRequestID(data.oldAddress, data.newAddress) == item.(uint16)
	})
	if node == nil {
		return nil, nil
	}
	t.addressChangeTracker.FreeNode(node)
	return node.Data.cb, node.Data.userData
}

// EnableEvents turns on OnInsert callback dispatch. The reference
// library withholds hot-join notifications until the caller has had a
// chance to register a callback, avoiding a startup race; this mirrors
// that by requiring an explicit opt-in.
func (t *Table) EnableEvents() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enableEvents = true
}

// OnInsertDevice installs the callback fired when a new device is
// appended to the table, e.g. from a hot-join.
func (t *Table) OnInsertDevice(cb OnInsert, userData any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInsert = cb
	t.userData = userData
}

// Insert appends device to the table, rejecting it if another entry
// already claims its address. Address 0 (not yet assigned) is never
// considered a conflict.
func (t *Table) Insert(device *Device) error {
	t.mu.Lock()

	if device.Address != 0 {
		if t.devices.SearchNode(device.Address, matchAddress) != nil {
			t.mu.Unlock()
			return i3cerr.New(i3cerr.Duplicate, "target device address already in table")
		}
	}
	t.devices.Append(device)

	cb, userData, fire := t.onInsert, t.userData, t.enableEvents
	t.mu.Unlock()

	if fire && cb != nil {
		cb(device.Address, userData)
	}
	return nil
}

// Remove deletes and returns the device at address, or nil if not
// found.
func (t *Table) Remove(address uint8) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.devices.SearchNode(address, matchAddress)
	if node == nil {
		return nil
	}
	t.devices.FreeNode(node)
	return node.Data
}

// Get returns the device at address, or nil if not found.
func (t *Table) Get(address uint8) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.devices.SearchNode(address, matchAddress)
	if node == nil {
		return nil
	}
	return node.Data
}

// GetByPID returns the device with the given provisioned ID, or nil if
// not found.
func (t *Table) GetByPID(pid uint64) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.devices.SearchNode(pid, func(d *Device, item any) bool {
		return d.PID() == item.(uint64)
	})
	if node == nil {
		return nil
	}
	return node.Data
}

// ChangeAddress moves a device from oldAddress to newAddress, failing
// if newAddress is already taken or oldAddress is not found.
func (t *Table) ChangeAddress(oldAddress, newAddress uint8) error {
	if oldAddress == newAddress {
		return i3cerr.New(i3cerr.InvalidState, "old and new address are the same")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.devices.SearchNode(newAddress, matchAddress) != nil {
		return i3cerr.New(i3cerr.Duplicate, "new address already in table")
	}
	node := t.devices.SearchNode(oldAddress, matchAddress)
	if node == nil {
		return i3cerr.New(i3cerr.NotFound, "device with old address not found")
	}
	node.Data.Address = newAddress
	return nil
}

// Addresses returns every device address currently in the table, in
// table order.
func (t *Table) Addresses() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint8
	t.devices.Each(func(d *Device) { out = append(out, d.Address) })
	return out
}

// Len returns the number of devices in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices.Len()
}

// Each calls fn for every device in table order. fn must not mutate
// the table.
func (t *Table) Each(fn func(*Device)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices.Each(fn)
}

// IdentifyAddressModes reports, across every device currently in the
// table, how many support static address assignment (SETDASA/SETAASA)
// versus dynamic address assignment (ENTDAA). A device with neither a
// static address nor a provisioned ID is malformed and reported as an
// error: it cannot be addressed by any method.
func (t *Table) IdentifyAddressModes() (supportStatic, supportDynamic int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failure error
	t.devices.Each(func(d *Device) {
		if failure != nil {
			return
		}
		if d.StaticAddress != 0 {
			supportStatic++
			return
		}
		if d.PIDLo == 0 && d.PIDHi == 0 {
			failure = i3cerr.New(i3cerr.InvalidState, "device has neither a static address nor a provisioned ID")
			return
		}
		supportDynamic++
	})
	if failure != nil {
		return 0, 0, failure
	}
	return supportStatic, supportDynamic, nil
}

// FillFromCapabilityBuffer creates or updates table entries from a
// decoded GET_I3C_CAPABILITY response's per-device capability entries.
func (t *Table) FillFromCapabilityBuffer(header wire.CapabilityHeader, entries []wire.CapabilityDeviceEntry) error {
	if header.ErrorCode != wire.CapabilityErrorDeviceContainsData {
		return nil
	}
	for _, e := range entries {
		if existing := t.Get(e.Address); existing != nil {
			existing.IBIPrioritization = e.IBIPrioritization
			existing.PIDLo = e.PIDLo
			existing.PIDHi = e.PIDHi
			continue
		}
		if err := t.Insert(&Device{
			Address:           e.Address,
			IBIPrioritization: e.IBIPrioritization,
			PIDLo:             e.PIDLo,
			PIDHi:             e.PIDHi,
		}); err != nil {
			return err
		}
	}
	return nil
}

// FillFromDeviceTableBuffer creates or updates table entries from a
// decoded GET_TARGET_DEVICE_TABLE response.
func (t *Table) FillFromDeviceTableBuffer(entries []wire.TargetTableEntry) error {
	for _, e := range entries {
		if existing := t.Get(e.Address); existing != nil {
			applyEntry(existing, e)
			continue
		}
		device := &Device{}
		applyEntry(device, e)
		if err := t.Insert(device); err != nil {
			return err
		}
	}
	return nil
}

func applyEntry(d *Device, e wire.TargetTableEntry) {
	d.Address = e.Address
	d.TargetInterruptRequest = e.TargetInterruptRequest
	d.ControllerRoleRequest = e.ControllerRoleRequest
	d.IBITimestamp = e.IBITimestamp
	d.ASA = e.ASA
	d.DAA = e.DAA
	d.ChangeFlags = e.ChangeFlags
	d.Type = e.TargetType
	d.PendingReadCapability = e.PendingReadCapability
	d.ValidPID = e.ValidPID
	d.MaxIBIPayloadSize = e.MaxIBIPayloadSize
	d.BCR = e.BCR
	d.DCR = e.DCR
	d.PIDLo = e.PIDLo
	d.PIDHi = e.PIDHi
}

// BuildDeviceTableBuffer encodes the current table in the
// header-plus-entries layout that GET_TARGET_DEVICE_TABLE returns.
func (t *Table) BuildDeviceTableBuffer() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.devices.Len()
	buf := make([]byte, wire.TargetTableHeaderSize+n*wire.TargetTableEntrySize)
	header := wire.TargetTableHeader{TableSize: uint16(len(buf))}
	copy(buf[0:4], header.Encode()[:])

	offset := wire.TargetTableHeaderSize
	t.devices.Each(func(d *Device) {
		entry := wire.TargetTableEntry{
			Address:                d.Address,
			TargetInterruptRequest: d.TargetInterruptRequest,
			ControllerRoleRequest:  d.ControllerRoleRequest,
			IBITimestamp:           d.IBITimestamp,
			ASA:                    d.ASA,
			DAA:                    d.DAA,
			ChangeFlags:            d.ChangeFlags,
			TargetType:             d.Type,
			PendingReadCapability:  d.PendingReadCapability,
			ValidPID:               d.ValidPID,
			MaxIBIPayloadSize:      d.MaxIBIPayloadSize,
			BCR:                    d.BCR,
			DCR:                    d.DCR,
			PIDLo:                  d.PIDLo,
			PIDHi:                  d.PIDHi,
		}
		encoded := entry.Encode()
		copy(buf[offset:offset+wire.TargetTableEntrySize], encoded[:])
		offset += wire.TargetTableEntrySize
	})
	return buf
}

// ConfigChangeMask bits select which per-device config fields
// SET_TARGET_DEVICE_CONFIG updates.
const (
	ConfigTargetInterruptRequest uint8 = 1 << 0
	ConfigControllerRoleRequest  uint8 = 1 << 1
)

// BuildSetConfigBuffer encodes a SET_TARGET_DEVICE_CONFIG request that
// applies config/maxIBIPayloadSize identically to every device in the
// table.
func (t *Table) BuildSetConfigBuffer(config uint8, maxIBIPayloadSize uint32) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.devices.Len()
	buf := make([]byte, wire.ConfigHeaderSize+n*wire.ConfigEntrySize)
	header := wire.ConfigHeader{CommandType: wire.ConfigChange, NumEntries: uint8(n)}
	copy(buf[0:4], header.Encode()[:])

	offset := wire.ConfigHeaderSize
	t.devices.Each(func(d *Device) {
		entry := wire.ConfigEntry{
			Address:                d.Address,
			TargetInterruptRequest: config&ConfigTargetInterruptRequest != 0,
			ControllerRoleRequest:  config&ConfigControllerRoleRequest != 0,
			IBITimestamp:           d.IBITimestamp,
			MaxIBIPayloadSize:      maxIBIPayloadSize,
		}
		encoded := entry.Encode()
		copy(buf[offset:offset+wire.ConfigEntrySize], encoded[:])
		offset += wire.ConfigEntrySize
	})
	return buf
}

func matchAddress(d *Device, item any) bool {
	return d.Address == item.(uint8)
}

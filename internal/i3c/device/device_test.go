package device

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"usbi3c/internal/i3c/targettable"
	"usbi3c/internal/i3c/tracker"
	"usbi3c/internal/i3c/transport"
	"usbi3c/internal/i3c/wire"

	"github.com/stretchr/testify/assert"
)

func encodeAddressChangeResultHeader(size, numEntries uint8) []byte {
	v := uint32(size) | uint32(numEntries)<<8
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func encodeAddressChangeResultEntry(currentAddress, newAddress uint8, failed bool) []byte {
	v := uint32(currentAddress) | uint32(newAddress)<<8
	if failed {
		v |= 1 << 16
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func encodeCapabilityHeader(totalLength uint16, deviceRole, dataType, errorCode uint8) []byte {
	var v uint32
	v |= uint32(totalLength)
	v |= uint32(deviceRole&0x3) << 16
	v |= uint32(dataType&0x3) << 18
	v |= uint32(errorCode) << 24
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

type fakeTransport struct {
	capabilityBuf          []byte
	tableBuf               []byte
	addressChangeResultBuf []byte

	mu           sync.Mutex
	controlOuts  []controlOutCall
	bulkOuts     [][]byte

	interruptCh chan []byte
	bulkInCh    chan []byte
}

type controlOutCall struct {
	req   transport.ClassRequest
	value uint16
	data  []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		interruptCh: make(chan []byte, 4),
		bulkInCh:    make(chan []byte, 4),
	}
}

func (f *fakeTransport) ControlIn(ctx context.Context, req transport.ClassRequest, value uint16, buf []byte) (int, error) {
	switch req {
	case transport.ReqGetI3CCapability:
		n := copy(buf, f.capabilityBuf)
		return n, nil
	case transport.ReqGetTargetDeviceTable:
		if f.tableBuf == nil {
			h := wire.TargetTableHeader{TableSize: wire.TargetTableHeaderSize}
			enc := h.Encode()
			n := copy(buf, enc[:])
			return n, nil
		}
		n := copy(buf, f.tableBuf)
		return n, nil
	case transport.ReqGetAddressChangeResult:
		n := copy(buf, f.addressChangeResultBuf)
		return n, nil
	case transport.ReqGetBufferAvailable:
		binary.LittleEndian.PutUint32(buf, 1024)
		return 4, nil
	}
	return 0, nil
}

func (f *fakeTransport) ControlOut(ctx context.Context, req transport.ClassRequest, value uint16, data []byte) error {
	f.mu.Lock()
	f.controlOuts = append(f.controlOuts, controlOutCall{req: req, value: value, data: append([]byte{}, data...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubmitBulkOut(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.bulkOuts = append(f.bulkOuts, append([]byte{}, data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReadBulkIn(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-f.bulkInCh:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) ReadInterrupt(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-f.interruptCh:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error { return nil }

func TestInitializePrimaryControllerNoStaticData(t *testing.T) {
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	defer dev.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		n := wire.Notification{Type: 0x1, Code: 0}
		enc := n.Encode()
		tp.interruptCh <- enc[:]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := dev.Initialize(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateReady, dev.State())
	assert.Equal(t, RolePrimaryController, dev.Info().Role)
}

func TestInitializeFailsWhenNotOpened(t *testing.T) {
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	defer dev.Close()
	dev.setState(StateReady)

	err := dev.Initialize(context.Background())
	assert.Error(t, err)
}

func TestInitializeBusInitFailureReturnsError(t *testing.T) {
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	defer dev.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		n := wire.Notification{Type: 0x1, Code: 0xFFFE} // int8(-2) once truncated
		enc := n.Encode()
		tp.interruptCh <- enc[:]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := dev.Initialize(ctx)
	assert.Error(t, err)
}

func TestInitializeTimesOutWaitingForBusInit(t *testing.T) {
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := dev.Initialize(ctx)
	assert.Error(t, err)
}

func TestOnHotJoinFiresAfterEventsEnabled(t *testing.T) {
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	defer dev.Close()

	var hotJoined uint8
	dev.OnHotJoin(func(address uint8) { hotJoined = address })

	go func() {
		time.Sleep(10 * time.Millisecond)
		n := wire.Notification{Type: 0x1, Code: 0}
		enc := n.Encode()
		tp.interruptCh <- enc[:]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, dev.Initialize(ctx))

	assert.NoError(t, dev.TargetDevices().Insert(&targettable.Device{Address: 0x55}))
	assert.Equal(t, uint8(0x55), hotJoined, "table events are enabled by the time Initialize completes")
}

func initializedPrimaryController(t *testing.T) (*Device, *fakeTransport) {
	t.Helper()
	tp := newFakeTransport()
	tp.capabilityBuf = encodeCapabilityHeader(wire.CapabilityHeaderSize, 0, wire.CapabilityDataNoStatic, wire.CapabilityErrorDeviceDoesNotContainData)

	dev := Open(tp, "test", 2)
	t.Cleanup(func() { dev.Close() })

	go func() {
		time.Sleep(10 * time.Millisecond)
		n := wire.Notification{Type: 0x1, Code: 0}
		enc := n.Encode()
		tp.interruptCh <- enc[:]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, dev.Initialize(ctx))
	return dev, tp
}

func TestSendCommandsRequiresNonEmptyQueue(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	_, err := dev.SendCommands(context.Background(), false)
	assert.Error(t, err)
}

func TestSendCommandsBlocksUntilResponseCollected(t *testing.T) {
	dev, tp := initializedPrimaryController(t)

	assert.NoError(t, dev.EnqueueCCC(0x08, wire.DirRead, wire.TerminateOnAnyError, 0x0F, 2, nil, nil, nil))

	go func() {
		time.Sleep(10 * time.Millisecond)
		buf := append([]byte{}, wire.BulkHeader{Tag: wire.TagRegular}.Encode()[:]...)
		blockHeader := wire.ResponseBlockHeader{RequestID: 0, Attempted: true}
		buf = append(buf, blockHeader.Encode()[:]...)
		desc := wire.ResponseDescriptor{ErrorStatus: 0}
		buf = append(buf, desc.Encode()[:]...)
		tp.bulkInCh <- buf
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	responses, err := dev.SendCommands(ctx, false)
	assert.NoError(t, err)
	assert.Len(t, responses, 1)
	assert.Equal(t, uint16(0), responses[0].RequestID)
}

func TestSendCommandsTimesOutWithoutResponse(t *testing.T) {
	dev, _ := initializedPrimaryController(t)

	assert.NoError(t, dev.EnqueueCCC(0x08, wire.DirRead, wire.TerminateOnAnyError, 0x0F, 2, nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := dev.SendCommands(ctx, false)
	assert.Error(t, err)
}

func TestSubmitCommandsRequiresCallbackOnEveryQueuedCommand(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	assert.NoError(t, dev.EnqueueCCC(0x08, wire.DirWrite, wire.TerminateOnAnyError, 0x01, 1, []byte{0x1}, nil, nil))
	err := dev.SubmitCommands(context.Background(), false)
	assert.Error(t, err)
}

func TestSubmitCommandsSucceedsWhenEveryCommandHasACallback(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	cb := func(resp *tracker.Response, userData any) bool { return true }
	assert.NoError(t, dev.EnqueueCCC(0x08, wire.DirWrite, wire.TerminateOnAnyError, 0x01, 1, []byte{0x1}, cb, nil))
	assert.NoError(t, dev.SubmitCommands(context.Background(), false))
}

func TestEnqueueTargetResetPatternRejectsIncompatibleQueuedCommand(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	assert.NoError(t, dev.EnqueueCCC(0x08, wire.DirWrite, wire.TerminateOnAnyError, 0x01, 1, []byte{0x1}, nil, nil))
	err := dev.EnqueueTargetResetPattern(nil, nil)
	assert.Error(t, err)
}

func TestEnqueueTargetResetPatternAllowsChainedRSTACT(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	assert.NoError(t, dev.EnqueueCCCWithDefiningByte(0x7E, wire.DirWrite, wire.TerminateOnAnyError, broadcastRSTACT, 0x01, 0, nil, nil, nil))
	assert.NoError(t, dev.EnqueueTargetResetPattern(nil, nil))
	assert.NoError(t, dev.EnqueueTargetResetPattern(nil, nil), "a target reset pattern may itself be followed by another")
}

func TestSubmitVendorSpecificRequestRequiresRegisteredCallback(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	err := dev.SubmitVendorSpecificRequest(context.Background(), []byte{0x1})
	assert.Error(t, err)
}

func TestSubmitVendorSpecificRequestSendsTaggedFrame(t *testing.T) {
	tp := newFakeTransport()
	dev := Open(tp, "test", 2)
	defer dev.Close()
	dev.OnVendorResponse(func(data []byte, userData any) {}, nil)

	err := dev.SubmitVendorSpecificRequest(context.Background(), []byte{0x1, 0x2})
	assert.NoError(t, err)
	assert.Len(t, tp.bulkOuts, 1)
}

func TestChangeI3CDeviceAddressRequiresActiveController(t *testing.T) {
	dev := Open(newFakeTransport(), "test", 2)
	defer dev.Close()

	err := dev.ChangeI3CDeviceAddress(context.Background(), 0x08, 0x30, nil, nil)
	assert.Error(t, err)
}

func TestChangeI3CDeviceAddressRejectsUnknownDevice(t *testing.T) {
	dev, _ := initializedPrimaryController(t)

	err := dev.ChangeI3CDeviceAddress(context.Background(), 0x99, 0x30, nil, nil)
	assert.Error(t, err)
}

func TestChangeI3CDeviceAddressEndToEnd(t *testing.T) {
	dev, tp := initializedPrimaryController(t)

	assert.NoError(t, dev.TargetDevices().Insert(&targettable.Device{Address: 0x08, PIDLo: 0x1234, PIDHi: 0x5678}))

	header := encodeAddressChangeResultHeader(uint8(wire.AddressChangeResultHeaderSize+wire.AddressChangeResultEntrySize), 1)
	entry := encodeAddressChangeResultEntry(0x08, 0x30, false)
	tp.addressChangeResultBuf = append(header, entry...)

	done := make(chan struct{}, 1)
	var gotOld, gotNew, gotStatus uint8
	cb := func(oldAddress, newAddress, status uint8, userData any) {
		gotOld, gotNew, gotStatus = oldAddress, newAddress, status
		done <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, dev.ChangeI3CDeviceAddress(ctx, 0x08, 0x30, cb, nil))

	n := wire.Notification{Type: 0x2, Code: 0x0}
	enc := n.Encode()
	tp.interruptCh <- enc[:]

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("address change callback never fired")
	}

	assert.Equal(t, uint8(0x08), gotOld)
	assert.Equal(t, uint8(0x30), gotNew)
	assert.Equal(t, uint8(0), gotStatus)
	assert.Nil(t, dev.TargetDevices().Get(0x08))
	assert.NotNil(t, dev.TargetDevices().Get(0x30))
}

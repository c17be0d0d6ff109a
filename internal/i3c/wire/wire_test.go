package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlign4(t *testing.T) {
	assert.Equal(t, 0, Align4(0))
	assert.Equal(t, 4, Align4(1))
	assert.Equal(t, 4, Align4(4))
	assert.Equal(t, 8, Align4(5))
}

func TestPadLeadingPadsLowAddressBytes(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC}
	padded := PadLeading(data)

	assert.Len(t, padded, 4, "padded buffer should be DWORD-aligned")
	assert.Equal(t, byte(0x00), padded[0], "padding goes in the leading byte, not the trailing one")
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, padded[1:])
}

func TestPadLeadingNoOpOnAlignedData(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, data, PadLeading(data))
}

func TestUnpadLeadingRoundTrip(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC}
	padded := PadLeading(data)
	assert.Equal(t, data, UnpadLeading(padded, len(data)))
}

func TestBulkHeaderRoundTrip(t *testing.T) {
	h := BulkHeader{Tag: TagIBI, DependentOnPrevious: true}
	encoded := h.Encode()
	decoded, err := DecodeBulkHeader(encoded[:])

	assert.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeBulkHeaderTruncated(t *testing.T) {
	_, err := DecodeBulkHeader([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestCommandBlockHeaderRoundTrip(t *testing.T) {
	h := CommandBlockHeader{RequestID: 0xBEEF, HasData: true}
	encoded := h.Encode()
	decoded, err := DecodeCommandBlockHeader(encoded[:])

	assert.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestCommandDescriptorRoundTrip(t *testing.T) {
	d := CommandDescriptor{
		CommandType:    CommandCCC,
		Direction:      DirRead,
		ErrorHandling:  TerminateButStallOnNACK,
		TargetAddress:  0x5A,
		TransferMode:   0x03,
		TransferRate:   0x05,
		TMSpecificInfo: 0x7F,
		DefiningByte:   0x11,
		CCC:            0x22,
		DataLength:     1024,
	}
	encoded := d.Encode()
	decoded, err := DecodeCommandDescriptor(encoded[:])

	assert.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestCommandDescriptorDataLengthMasksTo22Bits(t *testing.T) {
	d := CommandDescriptor{DataLength: maxDataLength + 5}
	encoded := d.Encode()
	decoded, err := DecodeCommandDescriptor(encoded[:])

	assert.NoError(t, err)
	assert.Equal(t, uint32(4), decoded.DataLength, "DataLength over 22 bits must wrap, not overflow into reserved bits")
}

func TestNotificationRoundTrip(t *testing.T) {
	n := Notification{Type: 0x4, Code: 0x1234}
	encoded := n.Encode()
	decoded, err := DecodeNotification(encoded[:])

	assert.NoError(t, err)
	assert.Equal(t, n, decoded)
}

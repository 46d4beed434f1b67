package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors (USB 2.0 Spec Table 9-6).
const (
	FeatureEndpointHalt       = 0x00 // Endpoint halt feature
	FeatureDeviceRemoteWakeup = 0x01 // Device remote wakeup
)

// Request type masks (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80 // Direction bit mask
	RequestTypeTypeMask      = 0x60 // Type bits mask
	RequestTypeRecipientMask = 0x1F // Recipient bits mask
)

// Request type direction values.
const (
	RequestDirectionHostToDevice = 0x00 // Host to device
	RequestDirectionDeviceToHost = 0x80 // Device to host
)

// Request type values.
const (
	RequestTypeStandard = 0x00 // Standard request
	RequestTypeClass    = 0x20 // Class-specific request
	RequestTypeVendor   = 0x40 // Vendor-specific request
)

// Request recipient values.
const (
	RequestRecipientDevice    = 0x00 // Device recipient
	RequestRecipientInterface = 0x01 // Interface recipient
	RequestRecipientEndpoint  = 0x02 // Endpoint recipient
)

// Descriptor types used by the request builders.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
)

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes in the data stage
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses a setup packet from 8 bytes into out.
// Returns an error if the data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf.
// Returns the number of bytes written (always 8 if buf is large enough).
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Bytes returns the packet in wire order.
func (s *SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	s.MarshalTo(b[:])
	return b
}

// IsDeviceToHost returns true if the data stage (if any) is IN.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestTypeDirectionMask == RequestDirectionDeviceToHost
}

// Type returns the request type (Standard, Class, or Vendor).
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeTypeMask
}

// IsStandard returns true if this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// Recipient returns the request recipient.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

// DescriptorType returns the descriptor type from wValue high byte.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from wValue low byte.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

// String returns a human-readable representation of the setup packet.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	return fmt.Sprintf("SETUP[%s type=0x%02X] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, s.RequestType&^RequestTypeDirectionMask, s.Request, s.Value, s.Index, s.Length)
}

// GetDescriptorSetup initializes out as a GET_DESCRIPTOR setup packet.
func GetDescriptorSetup(out *SetupPacket, descType, descIndex uint8, length uint16) {
	out.RequestType = RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice
	out.Request = RequestGetDescriptor
	out.Value = uint16(descType)<<8 | uint16(descIndex)
	out.Index = 0
	out.Length = length
}

// SetAddressSetup initializes out as a SET_ADDRESS setup packet.
func SetAddressSetup(out *SetupPacket, address uint8) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientDevice
	out.Request = RequestSetAddress
	out.Value = uint16(address)
	out.Index = 0
	out.Length = 0
}

// SetConfigurationSetup initializes out as a SET_CONFIGURATION setup packet.
func SetConfigurationSetup(out *SetupPacket, config uint8) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientDevice
	out.Request = RequestSetConfiguration
	out.Value = uint16(config)
	out.Index = 0
	out.Length = 0
}

// ClearHaltSetup initializes out as a CLEAR_FEATURE(ENDPOINT_HALT) setup packet.
func ClearHaltSetup(out *SetupPacket, ep uint8) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientEndpoint
	out.Request = RequestClearFeature
	out.Value = FeatureEndpointHalt
	out.Index = uint16(ep)
	out.Length = 0
}

// VendorOutSetup initializes out as a vendor request with a host-to-device
// data stage of length bytes.
func VendorOutSetup(out *SetupPacket, request uint8, length uint16) {
	out.RequestType = RequestDirectionHostToDevice | RequestTypeVendor | RequestRecipientDevice
	out.Request = request
	out.Value = 0
	out.Index = 0
	out.Length = length
}

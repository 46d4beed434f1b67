package gadget

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/pkg"
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
)

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// ClassVendor is the vendor-specific class code.
const ClassVendor = 0xFF

// LangIDUSEnglish is the language ID reported in string descriptor zero.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes the descriptor to buf and returns the bytes written, or 0
// if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationHeader is the 9-byte head of a configuration descriptor set.
type ConfigurationHeader struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// ParseConfigurationHeader decodes the head of a configuration descriptor.
func ParseConfigurationHeader(data []byte, out *ConfigurationHeader) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// ParseEndpoints walks a full configuration descriptor set and returns the
// endpoint descriptors it contains.
func ParseEndpoints(data []byte) ([]EndpointSpec, error) {
	var eps []EndpointSpec
	for off := 0; off < len(data); {
		n := int(data[off])
		if n < 2 || off+n > len(data) {
			return nil, fmt.Errorf("descriptor at %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		if data[off+1] == DescriptorTypeEndpoint {
			if n < EndpointDescriptorSize {
				return nil, fmt.Errorf("endpoint descriptor at %d: %w", off, pkg.ErrDescriptorTooShort)
			}
			d := data[off : off+n]
			eps = append(eps, EndpointSpec{
				Address:       d[2],
				Type:          TransferType(d[3] & 0x03),
				MaxPacketSize: binary.LittleEndian.Uint16(d[4:6]),
				Interval:      d[6],
			})
		}
		off += n
	}
	return eps, nil
}

// TransferType is an endpoint transfer type that reads and writes as its
// lower-case name in configuration files.
type TransferType uint8

// String returns the lower-case transfer type name.
func (t TransferType) String() string {
	switch uint8(t) {
	case device.EndpointTypeIsochronous:
		return "isochronous"
	case device.EndpointTypeBulk:
		return "bulk"
	case device.EndpointTypeInterrupt:
		return "interrupt"
	default:
		return "control"
	}
}

// UnmarshalText accepts a transfer type name.
func (t *TransferType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "bulk":
		*t = TransferType(device.EndpointTypeBulk)
	case "interrupt":
		*t = TransferType(device.EndpointTypeInterrupt)
	case "isochronous", "iso":
		*t = TransferType(device.EndpointTypeIsochronous)
	default:
		return fmt.Errorf("transfer type %q: %w", text, pkg.ErrInvalidParameter)
	}
	return nil
}

// MarshalText returns the transfer type name.
func (t TransferType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// EndpointSpec describes one function endpoint.
type EndpointSpec struct {
	Address        uint8        `yaml:"address"`
	Type           TransferType `yaml:"type"`
	MaxPacketSize  uint16       `yaml:"maxPacketSize"`
	Interval       uint8        `yaml:"interval,omitempty"`
	DoubleBuffered bool         `yaml:"doubleBuffered,omitempty"`
}

// marshalTo writes the endpoint descriptor to buf.
func (e *EndpointSpec) marshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.Address
	buf[3] = uint8(e.Type)
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// config converts the endpoint to the engine's endpoint configuration.
func (e *EndpointSpec) config() device.EndpointConfig {
	return device.EndpointConfig{
		Address:        device.EndpointAddress(e.Address),
		Type:           uint8(e.Type),
		MaxPacketSize:  e.MaxPacketSize,
		Interval:       e.Interval,
		DoubleBuffered: e.DoubleBuffered,
	}
}

// StringDescriptorTo writes s as a UTF-16LE string descriptor to buf.
// Returns 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if limit := (255 - 2) / 2; len(units) > limit {
		units = units[:limit]
	}
	length := 2 + len(units)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return length
}

// LanguageDescriptorTo writes string descriptor zero listing langIDs.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// ParseString decodes a string descriptor.
func ParseString(data []byte) (string, error) {
	if len(data) < 2 || int(data[0]) > len(data) {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	n := (int(data[0]) - 2) / 2
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2+i*2:])
	}
	return string(utf16.Decode(units)), nil
}

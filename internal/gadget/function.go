package gadget

import (
	"encoding/binary"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/pkg"
)

// MaxDescriptorSize bounds a full configuration descriptor set.
const MaxDescriptorSize = 512

// Function is the device presented to the host: one configuration with one
// vendor-specific interface whose OUT endpoints are looped back to the IN
// endpoint of the same number.
type Function struct {
	VendorID      uint16         `yaml:"vendorID"`
	ProductID     uint16         `yaml:"productID"`
	DeviceVersion uint16         `yaml:"deviceVersion,omitempty"`
	Manufacturer  string         `yaml:"manufacturer,omitempty"`
	Product       string         `yaml:"product,omitempty"`
	SerialNumber  string         `yaml:"serialNumber,omitempty"`
	SelfPowered   bool           `yaml:"selfPowered,omitempty"`
	MaxPowerMA    uint16         `yaml:"maxPowerMA,omitempty"`
	Endpoints     []EndpointSpec `yaml:"endpoints"`
}

// ConfigurationValue is the value SET_CONFIGURATION selects the function
// with.
const ConfigurationValue = 1

// String indices.
const (
	stringManufacturer = 1
	stringProduct      = 2
	stringSerial       = 3
)

// DefaultFunction returns a loopback function with one bulk pair.
func DefaultFunction() Function {
	return Function{
		VendorID:     0x1209,
		ProductID:    0x0001,
		Manufacturer: "softudc",
		Product:      "Loopback",
		SerialNumber: "0001",
		MaxPowerMA:   100,
		Endpoints: []EndpointSpec{
			{Address: 0x01, Type: TransferType(device.EndpointTypeBulk), MaxPacketSize: 64},
			{Address: 0x81, Type: TransferType(device.EndpointTypeBulk), MaxPacketSize: 64, DoubleBuffered: true},
		},
	}
}

// LoadFunction reads a function description in YAML.
func LoadFunction(r io.Reader) (Function, error) {
	var f Function
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Function{}, fmt.Errorf("load function: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Function{}, err
	}
	return f, nil
}

// Validate checks the endpoint table.
func (f *Function) Validate() error {
	seen := make(map[uint8]bool, len(f.Endpoints))
	for _, ep := range f.Endpoints {
		if ep.Address&0x0F == 0 {
			return fmt.Errorf("endpoint 0x%02X: %w", ep.Address, pkg.ErrInvalidEndpoint)
		}
		if seen[ep.Address] {
			return fmt.Errorf("endpoint 0x%02X listed twice: %w", ep.Address, pkg.ErrInvalidParameter)
		}
		seen[ep.Address] = true
		if ep.MaxPacketSize == 0 {
			return fmt.Errorf("endpoint 0x%02X max packet size: %w", ep.Address, pkg.ErrInvalidParameter)
		}
	}
	return nil
}

// DeviceDescriptor returns the device descriptor for an endpoint 0 packet
// size of mps0.
func (f *Function) DeviceDescriptor(mps0 uint16) DeviceDescriptor {
	d := DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    uint8(mps0),
		VendorID:          f.VendorID,
		ProductID:         f.ProductID,
		DeviceVersion:     f.DeviceVersion,
		NumConfigurations: 1,
	}
	if f.Manufacturer != "" {
		d.ManufacturerIndex = stringManufacturer
	}
	if f.Product != "" {
		d.ProductIndex = stringProduct
	}
	if f.SerialNumber != "" {
		d.SerialNumberIndex = stringSerial
	}
	return d
}

// ConfigurationTo writes the full configuration descriptor set to buf.
// Returns 0 if buf is too small.
func (f *Function) ConfigurationTo(buf []byte) int {
	total := ConfigurationDescriptorSize + InterfaceDescriptorSize +
		len(f.Endpoints)*EndpointDescriptorSize
	if len(buf) < total {
		return 0
	}

	attr := uint8(ConfigAttrBusPowered)
	if f.SelfPowered {
		attr |= ConfigAttrSelfPowered
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = 1 // interfaces
	buf[5] = ConfigurationValue
	buf[6] = 0
	buf[7] = attr
	buf[8] = uint8(f.MaxPowerMA / 2)

	iface := buf[ConfigurationDescriptorSize:]
	iface[0] = InterfaceDescriptorSize
	iface[1] = DescriptorTypeInterface
	iface[2] = 0 // interface number
	iface[3] = 0 // alternate setting
	iface[4] = uint8(len(f.Endpoints))
	iface[5] = ClassVendor
	iface[6] = 0
	iface[7] = 0
	iface[8] = 0

	n := ConfigurationDescriptorSize + InterfaceDescriptorSize
	for i := range f.Endpoints {
		n += f.Endpoints[i].marshalTo(buf[n:])
	}
	return n
}

// StringTo writes string descriptor index to buf. Returns 0 for an unknown
// index.
func (f *Function) StringTo(buf []byte, index uint8) int {
	var s string
	switch index {
	case 0:
		return LanguageDescriptorTo(buf, LangIDUSEnglish)
	case stringManufacturer:
		s = f.Manufacturer
	case stringProduct:
		s = f.Product
	case stringSerial:
		s = f.SerialNumber
	}
	if s == "" {
		return 0
	}
	return StringDescriptorTo(buf, s)
}

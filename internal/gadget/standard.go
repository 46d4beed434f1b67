package gadget

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/pkg"
)

// Vendor requests of the loopback interface.
const (
	VendorWriteScratch = 0x01 // OUT: store the data stage
	VendorReadScratch  = 0x02 // IN: return the stored data
)

// MaxScratchSize bounds the vendor scratch buffer.
const MaxScratchSize = 256

// Status bits returned by GET_STATUS.
const (
	statusSelfPowered  = 1 << 0
	statusRemoteWakeup = 1 << 1
	statusHalt         = 1 << 0
)

// standard answers a request. data carries the OUT data stage, if any.
// Caller holds mu.
func (g *Gadget) standard(setup *device.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Type() {
	case device.RequestTypeStandard:
	case device.RequestTypeVendor:
		return g.vendor(setup, data)
	default:
		return nil, pkg.ErrNotSupported
	}

	switch setup.Recipient() {
	case device.RequestRecipientDevice:
		return g.deviceRequest(setup)
	case device.RequestRecipientInterface:
		return g.interfaceRequest(setup)
	case device.RequestRecipientEndpoint:
		return g.endpointRequest(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (g *Gadget) deviceRequest(setup *device.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case device.RequestGetStatus:
		var status uint16
		if g.fn.SelfPowered {
			status |= statusSelfPowered
		}
		if g.remoteWake {
			status |= statusRemoteWakeup
		}
		return binary.LittleEndian.AppendUint16(nil, status), nil
	case device.RequestClearFeature, device.RequestSetFeature:
		if setup.Value != device.FeatureDeviceRemoteWakeup {
			return nil, pkg.ErrInvalidRequest
		}
		g.remoteWake = setup.Request == device.RequestSetFeature
		return nil, nil
	case device.RequestSetAddress:
		// Takes effect once the status stage completes.
		return nil, g.ctrl.SetAddress(uint8(setup.Value & 0x7F))
	case device.RequestGetDescriptor:
		return g.descriptor(setup)
	case device.RequestGetConfiguration:
		return []byte{g.configured}, nil
	case device.RequestSetConfiguration:
		return nil, g.configure(uint8(setup.Value))
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (g *Gadget) interfaceRequest(setup *device.SetupPacket) ([]byte, error) {
	if g.configured == 0 || setup.Index != 0 {
		return nil, pkg.ErrInvalidRequest
	}
	switch setup.Request {
	case device.RequestGetStatus:
		return []byte{0, 0}, nil
	case device.RequestGetInterface:
		return []byte{0}, nil
	case device.RequestSetInterface:
		if setup.Value != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (g *Gadget) endpointRequest(setup *device.SetupPacket) ([]byte, error) {
	addr := device.EndpointAddress(setup.Index)
	if !addr.IsControl() && g.configured == 0 {
		return nil, pkg.ErrInvalidEndpoint
	}
	switch setup.Request {
	case device.RequestGetStatus:
		halted, err := g.ctrl.Halted(addr)
		if err != nil {
			return nil, err
		}
		var status uint16
		if halted {
			status = statusHalt
		}
		return binary.LittleEndian.AppendUint16(nil, status), nil
	case device.RequestClearFeature:
		if setup.Value != device.FeatureEndpointHalt {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, g.ctrl.ClearHalt(addr)
	case device.RequestSetFeature:
		if setup.Value != device.FeatureEndpointHalt || addr.IsControl() {
			return nil, pkg.ErrInvalidRequest
		}
		return nil, g.ctrl.SetHalt(addr)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// descriptor answers GET_DESCRIPTOR. The engine truncates to wLength.
func (g *Gadget) descriptor(setup *device.SetupPacket) ([]byte, error) {
	var buf [MaxDescriptorSize]byte
	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		d := g.fn.DeviceDescriptor(g.mps0)
		n = d.MarshalTo(buf[:])
	case DescriptorTypeConfiguration:
		if setup.DescriptorIndex() != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		n = g.fn.ConfigurationTo(buf[:])
		if n == 0 {
			return nil, pkg.ErrBufferTooSmall
		}
	case DescriptorTypeString:
		n = g.fn.StringTo(buf[:], setup.DescriptorIndex())
		if n == 0 {
			return nil, pkg.ErrInvalidRequest
		}
	case DescriptorTypeDeviceQualifier:
		// Full-speed only.
		return nil, pkg.ErrNotSupported
	default:
		return nil, fmt.Errorf("descriptor type 0x%02X: %w", setup.DescriptorType(), pkg.ErrInvalidRequest)
	}
	return append([]byte(nil), buf[:n]...), nil
}

func (g *Gadget) vendor(setup *device.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case VendorWriteScratch:
		if setup.IsDeviceToHost() || len(data) > MaxScratchSize {
			return nil, pkg.ErrInvalidRequest
		}
		g.scratch = append(g.scratch[:0], data...)
		return nil, nil
	case VendorReadScratch:
		if !setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		return append([]byte(nil), g.scratch...), nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

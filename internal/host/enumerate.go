package host

import (
	"context"
	"fmt"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/internal/gadget"
	"github.com/ardnew/softudc/pkg"
)

// Device is what enumeration learned about the attached device.
type Device struct {
	Address       uint8
	Descriptor    gadget.DeviceDescriptor
	Configuration gadget.ConfigurationHeader
	Endpoints     []gadget.EndpointSpec
	Manufacturer  string
	Product       string
	SerialNumber  string
}

// Enumerate resets the bus and runs the standard enumeration sequence,
// leaving the device at address and configured.
func (h *Host) Enumerate(ctx context.Context, address uint8) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "address", address)
	h.sim.Reset()
	h.mps0 = 8

	var setup device.SetupPacket
	var dev Device

	// The first 8 bytes carry bMaxPacketSize0.
	device.GetDescriptorSetup(&setup, gadget.DescriptorTypeDevice, 0, 8)
	head, err := h.ControlIn(ctx, &setup)
	if err != nil {
		return nil, err
	}
	if len(head) < 8 {
		return nil, fmt.Errorf("device descriptor head %d bytes: %w", len(head), pkg.ErrEnumerationFailed)
	}
	if head[7] != 0 {
		h.mps0 = int(head[7])
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", h.mps0)

	device.SetAddressSetup(&setup, address)
	if err := h.ControlOut(ctx, &setup, nil); err != nil {
		return nil, err
	}
	// The device commits the address after it saw the status stage complete.
	err = h.retry(ctx, func() error {
		if h.sim.Address() != address {
			return sim.ErrNAK
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("address %d not applied: %w: %w", address, pkg.ErrEnumerationFailed, err)
	}
	dev.Address = address

	device.GetDescriptorSetup(&setup, gadget.DescriptorTypeDevice, 0, gadget.DeviceDescriptorSize)
	data, err := h.ControlIn(ctx, &setup)
	if err != nil {
		return nil, err
	}
	if err := gadget.ParseDeviceDescriptor(data, &dev.Descriptor); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.Descriptor.VendorID,
		"productID", dev.Descriptor.ProductID)

	device.GetDescriptorSetup(&setup, gadget.DescriptorTypeConfiguration, 0, gadget.ConfigurationDescriptorSize)
	data, err = h.ControlIn(ctx, &setup)
	if err != nil {
		return nil, err
	}
	if err := gadget.ParseConfigurationHeader(data, &dev.Configuration); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}

	device.GetDescriptorSetup(&setup, gadget.DescriptorTypeConfiguration, 0, dev.Configuration.TotalLength)
	data, err = h.ControlIn(ctx, &setup)
	if err != nil {
		return nil, err
	}
	if dev.Endpoints, err = gadget.ParseEndpoints(data); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}

	for _, s := range []struct {
		index uint8
		out   *string
	}{
		{dev.Descriptor.ManufacturerIndex, &dev.Manufacturer},
		{dev.Descriptor.ProductIndex, &dev.Product},
		{dev.Descriptor.SerialNumberIndex, &dev.SerialNumber},
	} {
		if s.index == 0 {
			continue
		}
		device.GetDescriptorSetup(&setup, gadget.DescriptorTypeString, s.index, 255)
		setup.Index = gadget.LangIDUSEnglish
		data, err := h.ControlIn(ctx, &setup)
		if err != nil {
			// Non-fatal, continue without the string.
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", s.index, "error", err)
			continue
		}
		if *s.out, err = gadget.ParseString(data); err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor invalid", "index", s.index, "error", err)
		}
	}

	device.SetConfigurationSetup(&setup, dev.Configuration.ConfigurationValue)
	if err := h.ControlOut(ctx, &setup, nil); err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", address,
		"vendorID", fmt.Sprintf("%04x", dev.Descriptor.VendorID),
		"productID", fmt.Sprintf("%04x", dev.Descriptor.ProductID),
		"endpoints", len(dev.Endpoints))
	return &dev, nil
}

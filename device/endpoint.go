package device

import (
	"fmt"
	"time"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// EndpointAddress is an endpoint number plus direction bit.
type EndpointAddress uint8

// Control endpoint addresses.
const (
	ControlOut EndpointAddress = 0x00
	ControlIn  EndpointAddress = 0x80
)

// Number returns the endpoint number (0-15).
func (a EndpointAddress) Number() uint8 {
	return uint8(a) & 0x0F
}

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (a EndpointAddress) Direction() uint8 {
	return uint8(a) & 0x80
}

// IsIn returns true if this is an IN endpoint (device to host).
func (a EndpointAddress) IsIn() bool {
	return a.Direction() == EndpointDirectionIn
}

// IsControl returns true for endpoint 0 in either direction.
func (a EndpointAddress) IsControl() bool {
	return a.Number() == 0
}

// String returns the address in hex, e.g. "0x81".
func (a EndpointAddress) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

func (a EndpointAddress) index() int {
	return hal.EndpointIndex(uint8(a))
}

// EndpointConfig describes an endpoint to enable.
type EndpointConfig struct {
	Address        EndpointAddress
	Type           uint8  // EndpointTypeControl, Bulk, Interrupt or Isochronous
	MaxPacketSize  uint16 // Maximum packet size
	Interval       uint8  // Polling interval (interrupt/isochronous)
	DoubleBuffered bool   // Use two hardware banks (ping-pong)
}

// validMaxPacketSizes are the sizes buffer descriptor hardware can encode.
var validMaxPacketSizes = [...]uint16{8, 16, 32, 64, 128, 256, 512, 1023, 1024}

func (c *EndpointConfig) validate() error {
	if c.Type > EndpointTypeInterrupt {
		return fmt.Errorf("endpoint %s type %d: %w", c.Address, c.Type, pkg.ErrInvalidParameter)
	}
	if c.Address.IsControl() != (c.Type == EndpointTypeControl) {
		return fmt.Errorf("endpoint %s type %s: %w", c.Address, TransferTypeName(c.Type), pkg.ErrInvalidEndpoint)
	}
	for _, mps := range validMaxPacketSizes {
		if c.MaxPacketSize == mps {
			return nil
		}
	}
	return fmt.Errorf("endpoint %s max packet size %d: %w", c.Address, c.MaxPacketSize, pkg.ErrInvalidParameter)
}

func (c *EndpointConfig) banks() int {
	if c.DoubleBuffered {
		return 2
	}
	return 1
}

func (c *EndpointConfig) hal() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       uint8(c.Address),
		Attributes:    c.Type,
		MaxPacketSize: c.MaxPacketSize,
		Interval:      c.Interval,
		Banks:         c.banks(),
	}
}

// endpointState is the runtime state of an enabled endpoint. All fields are
// guarded by Controller.crit.
type endpointState struct {
	cfg    EndpointConfig
	halted bool
	busy   bool

	// finished is set by the interrupt path once the armed request has
	// completed in hardware and cleared when the worker retires it.
	finished bool

	// armGen increments on every arm and cancel so stale completion and
	// timeout events can be recognized.
	armGen uint64

	queue transferQueue
	banks bankSet
	timer *time.Timer
}

func newEndpointState(cfg EndpointConfig) *endpointState {
	return &endpointState{
		cfg:   cfg,
		banks: newBankSet(cfg.banks(), int(cfg.MaxPacketSize)),
	}
}

func (e *endpointState) addr() EndpointAddress {
	return e.cfg.Address
}

func (e *endpointState) mps() int {
	return int(e.cfg.MaxPacketSize)
}

func (e *endpointState) dual() bool {
	return e.banks.count == 2
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeIsochronous:
		return "Isochronous"
	case EndpointTypeBulk:
		return "Bulk"
	default:
		return "Interrupt"
	}
}

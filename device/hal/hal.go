package hal

// MaxEndpointAddresses is the number of possible endpoint addresses
// (0x00-0x0F OUT and 0x80-0x8F IN).
const MaxEndpointAddresses = 32

// EndpointIndex converts an endpoint address to an array index.
// OUT endpoints map to 0-15, IN endpoints to 16-31.
func EndpointIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// IndexAddress is the inverse of [EndpointIndex].
func IndexAddress(idx int) uint8 {
	if idx >= 16 {
		return 0x80 | uint8(idx-16)
	}
	return uint8(idx)
}

// Bank selects one of the two hardware buffer slots of an endpoint direction.
type Bank uint8

// Bank identifiers. Single-bank endpoints only use BankA.
const (
	BankA Bank = 0
	BankB Bank = 1
)

// String returns "A" or "B".
func (b Bank) String() string {
	if b == BankB {
		return "B"
	}
	return "A"
}

// Other returns the opposite bank.
func (b Bank) Other() Bank {
	return b ^ 1
}

// Mask returns the bank as a single-bit mask.
func (b Bank) Mask() BankMask {
	return 1 << b
}

// BankMask is a set of banks reported ready in one poll.
type BankMask uint8

// Has reports whether b is in the mask.
func (m BankMask) Has(b Bank) bool {
	return m&b.Mask() != 0
}

// EndpointConfig describes an endpoint configuration for the back-end.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
	Banks         int    // 1 (single) or 2 (ping-pong)
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// CauseFlags are device-level interrupt causes.
type CauseFlags uint16

// Device-level interrupt causes.
const (
	CauseSetup    CauseFlags = 1 << iota // SETUP packet latched in Cause.Setup
	CauseReset                           // End of bus reset
	CauseSuspend                         // Bus idle, suspend
	CauseResume                          // Resume signaling
	CauseBusError                        // Unrecoverable controller/bus error
)

// Cause is the interrupt status snapshot a chip's interrupt handler passes to
// the transfer engine. It is a fixed-size value so building it allocates
// nothing.
type Cause struct {
	Flags CauseFlags

	// Setup holds the 8 SETUP bytes when CauseSetup is set.
	Setup [8]byte

	// Ready holds, per endpoint index, the banks whose transaction
	// completed. Both banks may be reported in a single poll.
	Ready [MaxEndpointAddresses]BankMask
}

// SetReady marks bank b of endpoint addr as completed.
func (c *Cause) SetReady(addr uint8, b Bank) {
	c.Ready[EndpointIndex(addr)] |= b.Mask()
}

// Empty reports whether the cause carries no work.
func (c *Cause) Empty() bool {
	if c.Flags != 0 {
		return false
	}
	for _, m := range c.Ready {
		if m != 0 {
			return false
		}
	}
	return true
}

// Controller is the per-chip capability interface. The transfer engine
// implements all protocol logic; a back-end only moves descriptors in and out
// of hardware and pokes status bits.
//
// Arm, Count and Pending may be called from interrupt context and must not
// block.
type Controller interface {
	// ConfigureEndpoint enables an endpoint in hardware.
	ConfigureEndpoint(cfg EndpointConfig) error

	// DisableEndpoint disables an endpoint in hardware.
	DisableEndpoint(addr uint8) error

	// ArmOut hands bank b of an OUT endpoint to hardware for reception of up
	// to len(region) bytes.
	ArmOut(addr uint8, b Bank, region []byte) error

	// ArmIn hands bank b of an IN endpoint to hardware for transmission of
	// region. A zero-length region sends a ZLP.
	ArmIn(addr uint8, b Bank, region []byte) error

	// Count returns the byte count of the last transaction on bank b and
	// acknowledges its completion flag.
	Count(addr uint8, b Bank) int

	// Pending reports banks whose completion flag is set without an
	// interrupt having been delivered. Used by the watchdog re-check.
	Pending(addr uint8) BankMask

	// Abort cancels any transaction armed on the endpoint and returns all
	// of its banks to software.
	Abort(addr uint8) error

	// SetStall makes the endpoint answer with STALL.
	SetStall(addr uint8) error

	// ClearStall stops answering with STALL.
	ClearStall(addr uint8) error

	// ResetToggle resets the endpoint data toggle to DATA0.
	ResetToggle(addr uint8) error

	// SetAddress writes the device address register.
	SetAddress(address uint8) error
}

// Cache is implemented by back-ends whose DMA engine is not coherent with
// the CPU data cache.
type Cache interface {
	// Flush writes cached lines of region back to memory before hardware
	// reads it.
	Flush(region []byte)

	// Invalidate discards cached lines of region before hardware writes it.
	Invalidate(region []byte)
}

package device

import "time"

// Engine limits and defaults.
const (
	// DefaultEventQueueDepth is the default capacity of the event channel
	// between the interrupt path and the worker.
	DefaultEventQueueDepth = 32

	// DefaultControlMaxPacketSize is the default endpoint 0 packet size.
	DefaultControlMaxPacketSize = 64

	// DefaultSpuriousLimit is the number of consecutive empty interrupts
	// after which an interrupt storm is reported.
	DefaultSpuriousLimit = 64

	// DefaultWatchdog is the default per-transfer watchdog period used by
	// DefaultConfig. Zero disables the watchdog.
	DefaultWatchdog = 250 * time.Millisecond

	// MaxDeviceAddress is the highest assignable USB device address.
	MaxDeviceAddress = 127
)

// SetupPolicy selects how a SETUP received while a previous SETUP is still
// waiting for the worker is handled.
type SetupPolicy uint8

// Setup policies.
const (
	// SetupPreempt delivers every SETUP. A newer SETUP aborts the control
	// transfer in progress.
	SetupPreempt SetupPolicy = iota

	// SetupDropWhilePending drops a SETUP that arrives before the worker
	// has consumed the previous one, and reports a protocol error.
	SetupDropWhilePending
)

// String returns the policy name.
func (p SetupPolicy) String() string {
	if p == SetupDropWhilePending {
		return "drop"
	}
	return "preempt"
}

// QueuePolicy selects how Enqueue treats an endpoint with a transfer in
// flight.
type QueuePolicy uint8

// Queue policies.
const (
	// QueueAppend queues behind the active transfer.
	QueueAppend QueuePolicy = iota

	// QueueReject refuses with ErrBusy while a transfer is armed.
	QueueReject
)

// String returns the policy name.
func (p QueuePolicy) String() string {
	if p == QueueReject {
		return "reject"
	}
	return "append"
}

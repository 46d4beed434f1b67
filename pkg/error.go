package pkg

import "errors"

// Transfer engine errors.
var (
	// ErrNoBuffer indicates a request buffer could not be allocated.
	ErrNoBuffer = errors.New("no buffer available")

	// ErrBusy indicates an endpoint already has a transfer armed and the
	// queue policy does not accept more.
	ErrBusy = errors.New("endpoint busy")

	// ErrAborted indicates a request was cancelled before completion.
	ErrAborted = errors.New("transfer aborted")

	// ErrProtocol indicates an unexpected token, stage or sequence.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates the endpoint watchdog fired.
	ErrTimeout = errors.New("transfer timeout")

	// ErrBusError indicates an unrecoverable bus error reported by hardware.
	ErrBusError = errors.New("bus error")

	// ErrEventOverflow indicates interrupt events were dropped because the
	// event channel was full.
	ErrEventOverflow = errors.New("event channel overflow")

	// ErrOwnership indicates a buffer descriptor was handed over by a party
	// that did not own it.
	ErrOwnership = errors.New("buffer descriptor ownership violation")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInvalidEndpoint indicates an invalid or disabled endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrEndpointEnabled indicates the endpoint is already enabled.
	ErrEndpointEnabled = errors.New("endpoint already enabled")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the controller worker is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller worker is not running.
	ErrNotRunning = errors.New("not running")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")
)

// Request handling errors.
var (
	// ErrInvalidRequest indicates a SETUP request the device does not accept.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSupported indicates a valid request the device does not implement.
	ErrNotSupported = errors.New("not supported")

	// ErrBufferTooSmall indicates a descriptor did not fit its buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrDescriptorTooShort indicates descriptor data is truncated.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type byte is wrong.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrEnumerationFailed indicates the host could not enumerate the device.
	ErrEnumerationFailed = errors.New("enumeration failed")

	// ErrDataMismatch indicates looped-back data differs from what was sent.
	ErrDataMismatch = errors.New("data mismatch")
)

// TransferStatus represents the completion status of a transfer request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusPending  TransferStatus = iota // Not yet completed
	TransferStatusSuccess                        // Transfer completed successfully
	TransferStatusAborted                        // Cancelled by dequeue, SETUP preemption or reset
	TransferStatusProtocol                       // Completed out of protocol sequence
	TransferStatusError                          // Transfer failed with another error
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusSuccess:
		return "success"
	case TransferStatusAborted:
		return "aborted"
	case TransferStatusProtocol:
		return "protocol"
	case TransferStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusPending, TransferStatusSuccess:
		return nil
	case TransferStatusAborted:
		return ErrAborted
	default:
		return ErrProtocol
	}
}

// StatusOf converts an error to a transfer status.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrAborted), errors.Is(err, ErrReset):
		return TransferStatusAborted
	case errors.Is(err, ErrProtocol):
		return TransferStatusProtocol
	default:
		return TransferStatusError
	}
}

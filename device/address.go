package device

import (
	"fmt"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// addressState defers a SET_ADDRESS until the status stage of the control
// transfer that carried it has completed. Guarded by the device lock.
type addressState struct {
	hw         hal.Controller
	current    uint8
	pending    uint8
	hasPending bool
}

// set requests address a. Inside a control transfer the write is deferred;
// otherwise it is applied at once. Repeating the current or pending address
// is a no-op.
func (s *addressState) set(a uint8, inTransfer bool) error {
	if s.hasPending && s.pending == a {
		return nil
	}
	if !s.hasPending && s.current == a {
		return nil
	}
	if inTransfer {
		s.pending = a
		s.hasPending = true
		pkg.LogDebug(pkg.ComponentControl, "address deferred", "address", a)
		return nil
	}
	return s.apply(a)
}

func (s *addressState) apply(a uint8) error {
	if err := s.hw.SetAddress(a); err != nil {
		return fmt.Errorf("set address %d: %w", a, err)
	}
	s.current = a
	s.hasPending = false
	pkg.LogDebug(pkg.ComponentControl, "address applied", "address", a)
	return nil
}

// commit applies a deferred address once the status stage completed.
func (s *addressState) commit() {
	if !s.hasPending {
		return
	}
	if err := s.apply(s.pending); err != nil {
		pkg.LogError(pkg.ComponentControl, "address commit failed", "error", err)
		s.hasPending = false
	}
}

// discard drops a deferred address whose control transfer was abandoned.
func (s *addressState) discard() {
	if s.hasPending {
		pkg.LogDebug(pkg.ComponentControl, "deferred address discarded", "address", s.pending)
	}
	s.hasPending = false
}

// reset returns to the default address after a bus reset.
func (s *addressState) reset() {
	s.hasPending = false
	if s.current == 0 {
		return
	}
	if err := s.apply(0); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "address reset failed", "error", err)
		s.current = 0
	}
}

// SetAddress sets the device address. During a control transfer, normally
// the SET_ADDRESS request itself, the change takes effect when the status
// stage completes.
func (c *Controller) SetAddress(a uint8) error {
	if a > MaxDeviceAddress {
		return fmt.Errorf("set address %d: %w", a, pkg.ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr.set(a, c.ctrl.stage != StageSetup)
}

// Address returns the address currently programmed in hardware.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr.current
}

package device

import (
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// SetHalt stalls addr. A transfer owned by hardware is taken back and stays
// at the head of the queue with its progress reset, to be re-armed by
// ClearHalt. Halting a control endpoint ends the control transfer in
// progress.
func (c *Controller) SetHalt(addr EndpointAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil {
		c.crit.Unlock()
		return fmt.Errorf("set halt %s: %w", addr, pkg.ErrInvalidEndpoint)
	}
	if err := c.hw.SetStall(uint8(addr)); err != nil {
		c.crit.Unlock()
		return fmt.Errorf("set halt %s: %w", addr, err)
	}
	ep.halted = true
	if ep.busy && !ep.finished {
		if err := c.hw.Abort(uint8(addr)); err != nil {
			pkg.LogWarn(pkg.ComponentController, "abort failed", "ep", addr, "error", err)
		}
		ep.banks.reset()
		c.stopWatchdog(ep)
		ep.armGen++
		ep.busy = false
		if r := ep.queue.peek(); r != nil {
			r.rewind()
		}
	}
	c.crit.Unlock()

	pkg.LogDebug(pkg.ComponentController, "endpoint halted", "ep", addr)

	if !addr.IsControl() {
		return nil
	}
	if addr == ControlIn && c.ctrl.stage == StageStatusOut {
		c.crit.Lock()
		var reqs []*Request
		if out := c.eps[ControlOut.index()]; out != nil {
			reqs = c.cancel(out)
		}
		c.crit.Unlock()
		c.releaseAll(reqs, pkg.ErrAborted)
	}
	c.addr.discard()
	c.ctrl.reset()
	return nil
}

// ClearHalt clears a stall on addr, resets its data toggle to DATA0 and
// re-arms the queue head if the endpoint is idle.
func (c *Controller) ClearHalt(addr EndpointAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil {
		c.crit.Unlock()
		return fmt.Errorf("clear halt %s: %w", addr, pkg.ErrInvalidEndpoint)
	}
	if err := c.hw.ClearStall(uint8(addr)); err != nil {
		c.crit.Unlock()
		return fmt.Errorf("clear halt %s: %w", addr, err)
	}
	if err := c.hw.ResetToggle(uint8(addr)); err != nil {
		c.crit.Unlock()
		return fmt.Errorf("clear halt %s: %w", addr, err)
	}
	ep.halted = false
	var failed []released
	if !ep.busy {
		failed = c.armNext(ep)
	}
	c.crit.Unlock()

	pkg.LogDebug(pkg.ComponentController, "endpoint halt cleared", "ep", addr)
	c.releaseFailed(failed)
	return nil
}

// Halted reports whether addr is halted.
func (c *Controller) Halted(addr EndpointAddress) (bool, error) {
	c.crit.Lock()
	defer c.crit.Unlock()
	ep := c.eps[addr.index()]
	if ep == nil {
		return false, fmt.Errorf("halted %s: %w", addr, pkg.ErrInvalidEndpoint)
	}
	return ep.halted, nil
}

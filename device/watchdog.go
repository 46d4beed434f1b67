package device

import "time"

// startWatchdog (re)starts the timer for the transfer armed on ep. The timer
// posts like an interrupt and carries the arm generation so a late expiry
// for a retired transfer is ignored. Caller holds crit.
func (c *Controller) startWatchdog(ep *endpointState) {
	if c.cfg.Watchdog <= 0 {
		return
	}
	c.stopWatchdog(ep)
	addr, gen := ep.addr(), ep.armGen
	ep.timer = time.AfterFunc(c.cfg.Watchdog, func() {
		c.post(Event{Kind: EventTimeout, Endpoint: addr, Gen: gen})
	})
}

// stopWatchdog cancels the timer for ep. Caller holds crit.
func (c *Controller) stopWatchdog(ep *endpointState) {
	if ep.timer != nil {
		ep.timer.Stop()
		ep.timer = nil
	}
}

package device

import (
	"fmt"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

var errSetupDropped = fmt.Errorf("setup dropped while previous setup pending: %w", pkg.ErrProtocol)

// ISR is the interrupt entry point. A back-end calls it from its interrupt
// handler with the causes it read from hardware. ISR never blocks: it
// services completed banks, then posts events for the worker.
func (c *Controller) ISR(cause *hal.Cause) {
	c.diag.isrCalls.Add(1)
	if cause == nil || cause.Empty() {
		c.diag.spurious.Add(1)
		if n := c.diag.streak.Add(1); n == uint64(c.cfg.SpuriousLimit) {
			c.diag.storms.Add(1)
			pkg.LogWarn(pkg.ComponentISR, "interrupt storm", "spurious", n)
		}
		return
	}
	c.diag.streak.Store(0)

	c.crit.Lock()
	for idx, mask := range cause.Ready {
		if mask == 0 {
			continue
		}
		ep := c.eps[idx]
		if ep == nil {
			pkg.LogTrace(pkg.ComponentISR, "completion on disabled endpoint",
				"ep", EndpointAddress(hal.IndexAddress(idx)), "banks", mask)
			continue
		}
		if done, n := c.serviceEndpoint(ep, mask); done {
			c.post(Event{
				Kind:     EventTransferDone,
				Endpoint: ep.addr(),
				Bytes:    n,
				Gen:      ep.armGen,
			})
		}
	}
	c.crit.Unlock()

	if cause.Flags&hal.CauseReset != 0 {
		c.suspended.Store(false)
		c.post(Event{Kind: EventReset})
	}
	if cause.Flags&hal.CauseSetup != 0 {
		if c.cfg.SetupPolicy == SetupDropWhilePending && c.setupPending.Load() {
			c.diag.setupsDropped.Add(1)
			c.post(Event{Kind: EventError, Endpoint: ControlOut, Err: errSetupDropped})
		} else {
			c.setupPending.Store(true)
			if !c.post(Event{Kind: EventSetup, Setup: cause.Setup}) {
				// A lost SETUP is never handled; the host's retry must not
				// be dropped behind it.
				c.setupPending.Store(false)
			}
		}
	}
	if cause.Flags&hal.CauseSuspend != 0 && c.suspended.CompareAndSwap(false, true) {
		c.post(Event{Kind: EventSuspend})
	}
	if cause.Flags&hal.CauseResume != 0 && c.suspended.CompareAndSwap(true, false) {
		c.post(Event{Kind: EventResume})
	}
	if cause.Flags&hal.CauseBusError != 0 {
		c.post(Event{Kind: EventBusError})
	}
}

// serviceEndpoint drains completed banks of ep in the order hardware filled
// them. A bank reported before its turn is deferred until parity reaches it.
// Returns true with the byte count once the head request is complete.
// Caller holds crit.
func (c *Controller) serviceEndpoint(ep *endpointState, mask hal.BankMask) (done bool, n int) {
	addr := uint8(ep.addr())
	ready := ep.banks.deferred | mask
	for ready.Has(ep.banks.parity) {
		b := ep.banks.parity
		ready &^= b.Mask()
		d := &ep.banks.desc[b]
		if err := d.reclaim(c.hw.Count(addr, b)); err != nil {
			pkg.LogWarn(pkg.ComponentBuffer, "completion on idle bank", "ep", ep.addr(), "error", err)
			continue
		}
		ep.banks.advance()
		if done, n = c.serviceBank(ep, d); done {
			ready = 0
			break
		}
	}
	ep.banks.deferred = ready
	return done, n
}

// serviceBank accounts one reclaimed bank against the head request and
// refills the bank if the request has more to transfer. Caller holds crit.
func (c *Controller) serviceBank(ep *endpointState, d *BufferDescriptor) (done bool, n int) {
	r := ep.queue.peek()
	if r == nil || !ep.busy || ep.finished {
		return false, 0
	}

	if r.IsIn() {
		if len(d.Region) == 0 {
			r.zlpDone = true
		} else {
			r.Actual += d.Count
		}
		done = r.Actual >= r.Length && (!r.sendZLP || r.zlpDone)
	} else {
		if c.cache != nil {
			c.cache.Invalidate(d.Region[:d.Count])
		}
		if ep.dual() {
			copy(r.Buffer[r.Actual:r.Length], d.Region[:d.Count])
		}
		r.Actual += d.Count
		done = d.Count < len(d.Region) || r.Actual >= r.Length
		if done && !ep.banks.idle() {
			// Short packet ended the transfer with the other bank still
			// armed for data that will not come.
			if err := c.hw.Abort(uint8(ep.addr())); err != nil {
				pkg.LogWarn(pkg.ComponentISR, "abort failed", "ep", ep.addr(), "error", err)
			}
			ep.banks.reset()
		}
	}

	pkg.LogTrace(pkg.ComponentISR, "bank serviced",
		"ep", ep.addr(), "bank", d.Bank, "count", d.Count, "actual", r.Actual, "done", done)

	if done {
		ep.finished = true
		c.stopWatchdog(ep)
		return true, r.Actual
	}
	if r.pending() {
		if err := c.fill(ep, r, d.Bank); err != nil {
			c.post(Event{Kind: EventError, Endpoint: ep.addr(), Err: err})
		}
	}
	return false, 0
}

package device

import (
	"context"
	"fmt"

	"github.com/ardnew/softudc/pkg"
)

// run is the worker loop. It is the only consumer of the event channel and
// handles one event at a time under the device lock.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	pkg.LogDebug(pkg.ComponentWorker, "worker started")
	for {
		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentWorker, "worker stopped")
			return
		case ev := <-c.events:
			c.handle(ev)
		case <-c.overflow:
			c.drain()
			c.handleOverflow()
		}
	}
}

// drain handles every event already posted, so overflow recovery runs after
// them in posting order.
func (c *Controller) drain() {
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		default:
			return
		}
	}
}

func (c *Controller) handle(ev Event) {
	if ev.Kind == eventBarrier {
		close(ev.done)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pkg.LogTrace(pkg.ComponentWorker, "event", "kind", ev.Kind, "ep", ev.Endpoint)
	switch ev.Kind {
	case EventSetup:
		c.handleSetup(ev.Setup)
	case EventTransferDone:
		c.retire(ev.Endpoint, ev.Gen)
	case EventTimeout:
		c.handleTimeout(ev.Endpoint, ev.Gen)
	case EventReset:
		c.handleReset()
	case EventSuspend:
		pkg.LogInfo(pkg.ComponentWorker, "bus suspended")
		c.sink.Notify(Notification{Kind: NotifySuspend})
	case EventResume:
		pkg.LogInfo(pkg.ComponentWorker, "bus resumed")
		c.sink.Notify(Notification{Kind: NotifyResume})
	case EventBusError:
		pkg.LogError(pkg.ComponentWorker, "bus error")
		c.sink.Notify(Notification{Kind: NotifyError, Err: pkg.ErrBusError})
	case EventError:
		c.diag.protocolErrors.Add(1)
		c.reportError(ev.Endpoint, ev.Err)
	}
}

// handleSetup starts a new control transfer. Whatever control transfer was
// in progress is abandoned: its queued buffers are released with
// pkg.ErrAborted and a pending address change is discarded.
func (c *Controller) handleSetup(raw [SetupPacketSize]byte) {
	c.setupPending.Store(false)
	c.diag.setups.Add(1)

	var setup SetupPacket
	if err := ParseSetupPacket(raw[:], &setup); err != nil {
		c.reportError(ControlOut, fmt.Errorf("setup: %w", err))
		return
	}
	pkg.LogDebug(pkg.ComponentControl, "setup", "request", setup.String(), "stage", c.ctrl.stage)

	if c.ctrl.stage != StageSetup {
		c.diag.preemptions.Add(1)
		pkg.LogDebug(pkg.ComponentControl, "setup preempts control transfer", "stage", c.ctrl.stage)
	}
	c.dropControl(pkg.ErrAborted)
	c.addr.discard()
	c.ctrl.reset()

	req, err := c.alloc.Alloc(ControlOut, SetupPacketSize)
	if err != nil {
		c.reportError(ControlOut, fmt.Errorf("setup: %w", err))
		return
	}
	copy(req.Buffer, raw[:])
	req.Flags |= FlagSetup
	req.Actual = SetupPacketSize

	if c.ctrl.begin(&setup) == StageDataOut {
		data, err := c.alloc.Alloc(ControlOut, int(setup.Length))
		if err != nil {
			c.ctrl.reset()
			err = fmt.Errorf("data stage: %w", err)
			c.reportError(ControlOut, err)
			c.report(req, err)
			return
		}
		if err := c.enqueueLocked(data); err != nil {
			c.ctrl.reset()
			c.report(data, err)
			c.report(req, err)
			return
		}
	}
	c.report(req, nil)
}

// dropControl cancels both control endpoints. SETUP clears a control halt
// in hardware, so the halt flags are cleared too.
func (c *Controller) dropControl(err error) {
	for _, addr := range [...]EndpointAddress{ControlOut, ControlIn} {
		c.crit.Lock()
		ep := c.eps[addr.index()]
		var reqs []*Request
		if ep != nil {
			reqs = c.cancel(ep)
			if ep.halted {
				ep.halted = false
				if herr := c.hw.ClearStall(uint8(addr)); herr != nil {
					pkg.LogWarn(pkg.ComponentControl, "clear stall failed", "ep", addr, "error", herr)
				}
			}
		}
		c.crit.Unlock()
		c.releaseAll(reqs, err)
	}
}

// retire completes the head request of addr after hardware finished it and
// arms the next one. Events for a cancelled or re-armed transfer are stale
// and ignored.
func (c *Controller) retire(addr EndpointAddress, gen uint64) {
	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil || !ep.busy || !ep.finished || ep.armGen != gen {
		c.crit.Unlock()
		pkg.LogTrace(pkg.ComponentWorker, "stale completion", "ep", addr, "gen", gen)
		return
	}
	r := ep.queue.pop()
	ep.busy = false
	ep.finished = false
	failed := c.armNext(ep)
	c.crit.Unlock()

	// The next stage is armed before the upper layer hears about this one.
	if addr.IsControl() && !r.IsSetup() {
		c.advanceControl(r)
	}
	c.report(r, nil)
	c.releaseFailed(failed)
}

// advanceControl moves the stage machine after a control request completed.
func (c *Controller) advanceControl(r *Request) {
	next, err := c.ctrl.complete(r.IsIn())
	if err != nil {
		c.diag.protocolErrors.Add(1)
		c.reportError(r.Endpoint, err)
		return
	}
	switch next {
	case StageStatusOut:
		status, err := c.alloc.Alloc(ControlOut, 0)
		if err != nil {
			c.reportError(ControlOut, fmt.Errorf("status stage: %w", err))
			return
		}
		status.Flags |= FlagStatus
		if err := c.enqueueLocked(status); err != nil {
			c.report(status, err)
		}
	case StageSetup:
		c.addr.commit()
	}
}

// handleTimeout re-checks hardware for completions whose interrupt was
// missed. Nothing found means the transfer is still legitimately waiting on
// the host; the watchdog is re-armed.
func (c *Controller) handleTimeout(addr EndpointAddress, gen uint64) {
	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil || !ep.busy || ep.finished || ep.armGen != gen {
		c.crit.Unlock()
		return
	}
	c.diag.timeouts.Add(1)
	pending := c.hw.Pending(uint8(addr))
	done := false
	if pending != 0 {
		done, _ = c.serviceEndpoint(ep, pending)
	}
	if !done {
		c.startWatchdog(ep)
	}
	gen = ep.armGen
	c.crit.Unlock()

	if pending == 0 {
		pkg.LogTrace(pkg.ComponentWorker, "watchdog re-armed", "ep", addr)
		return
	}
	if done {
		c.diag.recovered.Add(1)
	}
	pkg.LogWarn(pkg.ComponentWorker, "missed completion recovered", "ep", addr, "banks", pending, "done", done)
	c.sink.Notify(Notification{
		Kind:     NotifyTimeout,
		Endpoint: addr,
		Err:      pkg.ErrTimeout,
	})
	if done {
		c.retire(addr, gen)
	}
}

// handleReset returns the engine to its post-reset state. Every queued
// request is released with pkg.ErrReset.
func (c *Controller) handleReset() {
	pkg.LogInfo(pkg.ComponentWorker, "bus reset")
	c.setupPending.Store(false)
	for idx := range c.eps {
		c.crit.Lock()
		ep := c.eps[idx]
		var reqs []*Request
		if ep != nil {
			reqs = c.cancel(ep)
			if ep.halted {
				ep.halted = false
				if err := c.hw.ClearStall(uint8(ep.addr())); err != nil {
					pkg.LogWarn(pkg.ComponentWorker, "clear stall failed", "ep", ep.addr(), "error", err)
				}
			}
		}
		c.crit.Unlock()
		c.releaseAll(reqs, pkg.ErrReset)
	}
	c.ctrl.reset()
	c.addr.reset()
	c.sink.Notify(Notification{Kind: NotifyReset, Err: pkg.ErrReset})
}

// handleOverflow reports dropped events and retires transfers whose
// completion event may have been among them.
func (c *Controller) handleOverflow() {
	n := c.overflowed.Swap(0)
	if n == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Every posted event has been handled, so a pending SETUP was lost.
	c.setupPending.Store(false)
	c.reportError(ControlOut, fmt.Errorf("%d events dropped: %w", n, pkg.ErrEventOverflow))

	type finished struct {
		addr EndpointAddress
		gen  uint64
	}
	var stuck []finished
	c.crit.Lock()
	for _, ep := range c.eps {
		if ep != nil && ep.busy && ep.finished {
			stuck = append(stuck, finished{ep.addr(), ep.armGen})
		}
	}
	c.crit.Unlock()
	for _, f := range stuck {
		c.retire(f.addr, f.gen)
	}
}

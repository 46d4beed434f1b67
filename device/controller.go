package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// Config holds controller options.
type Config struct {
	// EventQueueDepth is the capacity of the interrupt-to-worker channel.
	EventQueueDepth int

	// Watchdog is the per-transfer timeout after which the worker re-checks
	// hardware for a missed completion. Zero disables it.
	Watchdog time.Duration

	// SetupPolicy selects how back-to-back SETUP packets are handled.
	SetupPolicy SetupPolicy

	// QueuePolicy selects whether Enqueue accepts requests behind an
	// active transfer.
	QueuePolicy QueuePolicy

	// ControlMaxPacketSize is the endpoint 0 packet size.
	ControlMaxPacketSize uint16

	// SpuriousLimit is the run of empty interrupts reported as a storm.
	SpuriousLimit int

	// OnStage, if set, observes every control stage transition. It runs
	// with the controller locked and must not call back into it.
	OnStage func(from, to Stage)
}

// DefaultConfig returns the default controller options.
func DefaultConfig() Config {
	return Config{
		EventQueueDepth:      DefaultEventQueueDepth,
		Watchdog:             DefaultWatchdog,
		SetupPolicy:          SetupPreempt,
		QueuePolicy:          QueueAppend,
		ControlMaxPacketSize: DefaultControlMaxPacketSize,
		SpuriousLimit:        DefaultSpuriousLimit,
	}
}

// Controller is the device-side transfer engine for one USB controller.
//
// Application calls and the worker serialize on the device lock. The
// interrupt path never takes it; it shares endpoint queues and descriptors
// with the rest of the engine through a short critical section that stands
// in for masking the controller interrupt.
type Controller struct {
	hw    hal.Controller
	cache hal.Cache
	alloc Allocator
	sink  Sink
	cfg   Config

	// mu is the device lock.
	mu   sync.Mutex
	ctrl controlContext
	addr addressState

	// crit guards eps and all endpointState fields.
	crit sync.Mutex
	eps  [hal.MaxEndpointAddresses]*endpointState

	events       chan Event
	overflow     chan struct{}
	overflowed   atomic.Uint64
	setupPending atomic.Bool
	suspended    atomic.Bool
	diag         diagnostics

	runMu   sync.Mutex
	running atomic.Bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New creates a controller driving hw. Engine-created requests come from
// alloc (a NewPool(0) if nil) and all outcomes are reported to sink.
func New(hw hal.Controller, alloc Allocator, sink Sink, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.EventQueueDepth <= 0 {
		cfg.EventQueueDepth = def.EventQueueDepth
	}
	if cfg.ControlMaxPacketSize == 0 {
		cfg.ControlMaxPacketSize = def.ControlMaxPacketSize
	}
	if cfg.SpuriousLimit <= 0 {
		cfg.SpuriousLimit = def.SpuriousLimit
	}
	if alloc == nil {
		alloc = NewPool(0)
	}
	if sink == nil {
		sink = SinkFunc(func(Notification) {})
	}
	c := &Controller{
		hw:       hw,
		alloc:    alloc,
		sink:     sink,
		cfg:      cfg,
		events:   make(chan Event, cfg.EventQueueDepth),
		overflow: make(chan struct{}, 1),
	}
	c.cache, _ = hw.(hal.Cache)
	c.ctrl.onStage = cfg.OnStage
	c.addr.hw = hw
	return c
}

// Start enables the control endpoints and starts the worker.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running.Load() {
		return pkg.ErrAlreadyRunning
	}

	c.mu.Lock()
	for _, addr := range [...]EndpointAddress{ControlOut, ControlIn} {
		err := c.enableLocked(EndpointConfig{
			Address:       addr,
			Type:          EndpointTypeControl,
			MaxPacketSize: c.cfg.ControlMaxPacketSize,
		})
		if err != nil && !errors.Is(err, pkg.ErrEndpointEnabled) {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	ctx, c.stop = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.run(ctx, c.done)

	pkg.LogDebug(pkg.ComponentController, "controller started",
		"queueDepth", c.cfg.EventQueueDepth,
		"watchdog", c.cfg.Watchdog,
		"setupPolicy", c.cfg.SetupPolicy,
		"queuePolicy", c.cfg.QueuePolicy)
	return nil
}

// Stop stops the worker and releases every queued request with
// pkg.ErrAborted.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running.Load() {
		return nil
	}
	c.stop()
	<-c.done
	c.running.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := range c.eps {
		c.crit.Lock()
		ep := c.eps[idx]
		var reqs []*Request
		if ep != nil {
			reqs = c.cancel(ep)
		}
		c.crit.Unlock()
		c.releaseAll(reqs, pkg.ErrAborted)
	}
	c.ctrl.reset()
	c.addr.discard()

	pkg.LogDebug(pkg.ComponentController, "controller stopped")
	return nil
}

// IsRunning returns true if the worker is running.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

// Flush waits until the worker has handled every event posted before the
// call.
func (c *Controller) Flush(ctx context.Context) error {
	if !c.running.Load() {
		return pkg.ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case c.events <- Event{Kind: eventBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnableEndpoint configures an endpoint in hardware and makes it available
// for Enqueue.
func (c *Controller) EnableEndpoint(cfg EndpointConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableLocked(cfg)
}

func (c *Controller) enableLocked(cfg EndpointConfig) error {
	idx := cfg.Address.index()
	c.crit.Lock()
	exists := c.eps[idx] != nil
	c.crit.Unlock()
	if exists {
		return fmt.Errorf("enable %s: %w", cfg.Address, pkg.ErrEndpointEnabled)
	}
	if err := c.hw.ConfigureEndpoint(cfg.hal()); err != nil {
		return fmt.Errorf("enable %s: %w", cfg.Address, err)
	}
	ep := newEndpointState(cfg)
	c.crit.Lock()
	c.eps[idx] = ep
	c.crit.Unlock()

	pkg.LogDebug(pkg.ComponentController, "endpoint enabled",
		"ep", cfg.Address,
		"type", TransferTypeName(cfg.Type),
		"mps", cfg.MaxPacketSize,
		"banks", cfg.banks())
	return nil
}

// DisableEndpoint disables an endpoint and releases its queued requests
// with pkg.ErrAborted.
func (c *Controller) DisableEndpoint(addr EndpointAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil {
		c.crit.Unlock()
		return fmt.Errorf("disable %s: %w", addr, pkg.ErrInvalidEndpoint)
	}
	reqs := c.cancel(ep)
	c.eps[addr.index()] = nil
	c.crit.Unlock()

	err := c.hw.DisableEndpoint(uint8(addr))
	c.releaseAll(reqs, pkg.ErrAborted)
	if err != nil {
		return fmt.Errorf("disable %s: %w", addr, err)
	}
	pkg.LogDebug(pkg.ComponentController, "endpoint disabled", "ep", addr)
	return nil
}

// Enqueue appends r to its endpoint's queue. If the endpoint is idle and not
// halted, r is handed to hardware immediately. Once Enqueue returns nil the
// request is reported exactly once through the sink.
func (c *Controller) Enqueue(r *Request) error {
	if !c.running.Load() {
		return pkg.ErrNotRunning
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(r)
}

func (c *Controller) enqueueLocked(r *Request) error {
	if r == nil || r.Length < 0 || r.Length > len(r.Buffer) {
		return fmt.Errorf("enqueue: %w", pkg.ErrInvalidParameter)
	}

	c.crit.Lock()
	ep := c.eps[r.Endpoint.index()]
	busy := ep != nil && ep.busy
	c.crit.Unlock()
	if ep == nil {
		return fmt.Errorf("enqueue %s: %w", r.Endpoint, pkg.ErrInvalidEndpoint)
	}
	if busy && c.cfg.QueuePolicy == QueueReject {
		return fmt.Errorf("enqueue %s: %w", r.Endpoint, pkg.ErrBusy)
	}
	if r.Endpoint == ControlIn {
		if err := c.ctrl.enqueueIn(r.Length == 0); err != nil {
			c.diag.protocolErrors.Add(1)
			return err
		}
	}
	r.prepare(ep.mps())

	c.crit.Lock()
	defer c.crit.Unlock()
	ep.queue.push(r)
	if ep.busy || ep.halted {
		pkg.LogTrace(pkg.ComponentQueue, "queued", "ep", r.Endpoint, "depth", ep.queue.len(), "halted", ep.halted)
		return nil
	}
	if err := c.arm(ep, r); err != nil {
		ep.queue.pop()
		return fmt.Errorf("enqueue %s: %w", r.Endpoint, err)
	}
	return nil
}

// DequeueAll cancels every request queued on addr, aborting the one owned
// by hardware. Each is released with pkg.ErrAborted.
func (c *Controller) DequeueAll(addr EndpointAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.crit.Lock()
	ep := c.eps[addr.index()]
	if ep == nil {
		c.crit.Unlock()
		return fmt.Errorf("dequeue %s: %w", addr, pkg.ErrInvalidEndpoint)
	}
	reqs := c.cancel(ep)
	c.crit.Unlock()

	pkg.LogDebug(pkg.ComponentQueue, "dequeued", "ep", addr, "count", len(reqs))
	c.releaseAll(reqs, pkg.ErrAborted)
	return nil
}

// Queued returns the number of requests queued on addr, including the one
// owned by hardware.
func (c *Controller) Queued(addr EndpointAddress) int {
	c.crit.Lock()
	defer c.crit.Unlock()
	if ep := c.eps[addr.index()]; ep != nil {
		return ep.queue.len()
	}
	return 0
}

// Stage returns the control transfer stage.
func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl.stage
}

// Stats returns a snapshot of the diagnostic counters.
func (c *Controller) Stats() Stats {
	return c.diag.snapshot()
}

// cancel aborts the endpoint in hardware and empties its queue. Caller holds
// crit.
func (c *Controller) cancel(ep *endpointState) []*Request {
	if ep.busy {
		if err := c.hw.Abort(uint8(ep.addr())); err != nil {
			pkg.LogWarn(pkg.ComponentQueue, "abort failed", "ep", ep.addr(), "error", err)
		}
		ep.banks.reset()
	}
	c.stopWatchdog(ep)
	ep.armGen++
	ep.busy = false
	ep.finished = false
	return ep.queue.drain()
}

// arm hands r, the queue head, to hardware. Ping-pong endpoints get both
// banks filled when r spans more than one packet. Caller holds crit.
func (c *Controller) arm(ep *endpointState, r *Request) error {
	ep.armGen++
	ep.finished = false
	first := ep.banks.parity
	if err := c.fill(ep, r, first); err != nil {
		r.rewind()
		return err
	}
	if ep.dual() && r.pending() {
		if err := c.fill(ep, r, first.Other()); err != nil {
			if aerr := c.hw.Abort(uint8(ep.addr())); aerr != nil {
				pkg.LogWarn(pkg.ComponentQueue, "abort failed", "ep", ep.addr(), "error", aerr)
			}
			ep.banks.reset()
			r.rewind()
			return err
		}
	}
	ep.busy = true
	c.startWatchdog(ep)
	pkg.LogTrace(pkg.ComponentQueue, "armed", "ep", ep.addr(), "len", r.Length, "bank", first)
	return nil
}

// fill hands the next chunk of r to bank b. Caller holds crit.
func (c *Controller) fill(ep *endpointState, r *Request, b hal.Bank) error {
	d := &ep.banks.desc[b]
	n := r.Length - r.handed
	if ep.dual() && n > ep.mps() {
		n = ep.mps()
	}

	var region []byte
	switch {
	case ep.dual():
		region = d.mem[:n]
	default:
		region = r.Buffer[r.handed : r.handed+n]
	}

	if err := d.give(region); err != nil {
		return err
	}

	var err error
	if r.IsIn() {
		if ep.dual() {
			copy(region, r.Buffer[r.handed:r.handed+n])
		}
		if c.cache != nil {
			c.cache.Flush(region)
		}
		err = c.hw.ArmIn(uint8(ep.addr()), b, region)
	} else {
		if c.cache != nil {
			c.cache.Invalidate(region)
		}
		err = c.hw.ArmOut(uint8(ep.addr()), b, region)
	}
	if err != nil {
		d.Owner = OwnerSoftware
		return fmt.Errorf("arm bank %s: %w", b, err)
	}

	r.handed += n
	if n == 0 {
		r.zlpHanded = true
	}
	return nil
}

// armNext arms the new queue head after the previous one retired. Requests
// that fail to arm are removed and returned with their errors. Caller holds
// crit.
func (c *Controller) armNext(ep *endpointState) (failed []released) {
	for !ep.halted && !ep.busy {
		r := ep.queue.peek()
		if r == nil {
			break
		}
		if err := c.arm(ep, r); err != nil {
			ep.queue.pop()
			failed = append(failed, released{r, err})
			continue
		}
	}
	return failed
}

type released struct {
	r   *Request
	err error
}

// report completes r and notifies the sink. Only the first report of a
// request has any effect.
func (c *Controller) report(r *Request, err error) {
	if !r.finish(err) {
		return
	}
	if err == nil {
		c.diag.completed.Add(1)
	} else {
		c.diag.aborted.Add(1)
	}
	c.sink.Notify(Notification{
		Kind:     NotifyTransfer,
		Endpoint: r.Endpoint,
		Request:  r,
		Err:      err,
	})
}

func (c *Controller) releaseAll(reqs []*Request, err error) {
	for _, r := range reqs {
		c.report(r, err)
	}
}

func (c *Controller) releaseFailed(failed []released) {
	for _, f := range failed {
		c.report(f.r, f.err)
	}
}

// reportError emits a NotifyError for a non-fatal condition.
func (c *Controller) reportError(addr EndpointAddress, err error) {
	pkg.LogWarn(pkg.ComponentWorker, "engine error", "ep", addr, "error", err)
	c.sink.Notify(Notification{
		Kind:     NotifyError,
		Endpoint: addr,
		Err:      err,
	})
}

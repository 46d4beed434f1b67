package gadget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/pkg"
)

// Controller is the part of the transfer engine the gadget drives.
type Controller interface {
	Enqueue(r *device.Request) error
	EnableEndpoint(cfg device.EndpointConfig) error
	DisableEndpoint(addr device.EndpointAddress) error
	DequeueAll(addr device.EndpointAddress) error
	SetHalt(addr device.EndpointAddress) error
	ClearHalt(addr device.EndpointAddress) error
	Halted(addr device.EndpointAddress) (bool, error)
	SetAddress(a uint8) error
}

// Gadget is the upper layer for one controller. It answers standard
// requests on endpoint 0 and runs a bulk loopback once configured.
//
// The gadget calls back into the controller, so notifications must reach it
// from outside the engine's sink path, through the NotifyQueue given to Run
// or by calling Handle from another goroutine.
type Gadget struct {
	ctrl Controller
	pool *device.Pool
	fn   Function
	mps0 uint16

	mu         sync.Mutex
	setup      device.SetupPacket // request whose OUT data stage is pending
	configured uint8
	remoteWake bool
	readSize   int
	scratch    []byte

	stats Stats
}

// Stats counts gadget activity.
type Stats struct {
	Requests  uint64 // SETUP requests handled
	Stalls    uint64 // Requests answered with a stall
	Looped    uint64 // Bytes echoed by the loopback
	Resets    uint64
	Errors    uint64 // Engine error and timeout notifications
	Configure uint64 // SET_CONFIGURATION requests applied
}

// Option configures a Gadget.
type Option func(*Gadget)

// WithReadSize sets the loopback OUT request size. The default is four max
// packets of the OUT endpoint.
func WithReadSize(n int) Option {
	return func(g *Gadget) { g.readSize = n }
}

// New creates a gadget presenting fn on ctrl. Requests come from pool, the
// same pool the engine allocates SETUP and status requests from.
func New(ctrl Controller, pool *device.Pool, fn Function, mps0 uint16, opts ...Option) *Gadget {
	if mps0 == 0 {
		mps0 = device.DefaultControlMaxPacketSize
	}
	g := &Gadget{
		ctrl: ctrl,
		pool: pool,
		fn:   fn,
		mps0: mps0,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run handles notifications from q until ctx is done or q is closed.
func (g *Gadget) Run(ctx context.Context, q *device.NotifyQueue) error {
	pkg.LogDebug(pkg.ComponentGadget, "gadget running",
		"vid", fmt.Sprintf("%04x", g.fn.VendorID),
		"pid", fmt.Sprintf("%04x", g.fn.ProductID),
		"endpoints", len(g.fn.Endpoints))
	for {
		n, err := q.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		g.Handle(n)
	}
}

// Handle processes one engine notification.
func (g *Gadget) Handle(n device.Notification) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch n.Kind {
	case device.NotifyTransfer:
		g.transfer(n.Request)
	case device.NotifyReset:
		g.stats.Resets++
		g.deconfigure()
		pkg.LogInfo(pkg.ComponentGadget, "reset")
	case device.NotifySuspend, device.NotifyResume:
		pkg.LogInfo(pkg.ComponentGadget, "bus state", "event", n.Kind)
	case device.NotifyError, device.NotifyTimeout:
		g.stats.Errors++
		pkg.LogWarn(pkg.ComponentGadget, "engine reported", "kind", n.Kind, "ep", n.Endpoint, "error", n.Err)
	}
}

// Configured returns the active configuration value, 0 when unconfigured.
func (g *Gadget) Configured() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configured
}

// Stats returns a copy of the gadget counters.
func (g *Gadget) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// transfer routes a completed or released request. Caller holds mu.
func (g *Gadget) transfer(r *device.Request) {
	defer g.pool.Free(r)

	switch {
	case r.IsSetup():
		if r.Err != nil {
			pkg.LogWarn(pkg.ComponentGadget, "setup lost", "error", r.Err)
			return
		}
		g.handleSetup(r.Data())
	case r.Endpoint == device.ControlOut && !r.IsStatus():
		if r.Err != nil {
			return
		}
		g.handleDataOut(r.Data())
	case r.Endpoint.IsControl():
		// Status stages and control IN data need no follow-up.
	case r.Endpoint.IsIn():
		if r.Err == nil {
			g.stats.Looped += uint64(r.Actual)
		}
	default:
		g.loopback(r)
	}
}

// handleSetup answers a SETUP request. Caller holds mu.
func (g *Gadget) handleSetup(raw []byte) {
	var setup device.SetupPacket
	if err := device.ParseSetupPacket(raw, &setup); err != nil {
		g.stall(err)
		return
	}
	g.stats.Requests++
	pkg.LogDebug(pkg.ComponentGadget, "request", "setup", setup.String())

	if !setup.IsDeviceToHost() && setup.Length > 0 {
		// The engine has already queued the OUT data stage.
		g.setup = setup
		return
	}

	resp, err := g.standard(&setup, nil)
	if err != nil {
		g.stall(err)
		return
	}
	if setup.IsDeviceToHost() {
		g.respond(&setup, resp)
		return
	}
	g.status()
}

// handleDataOut finishes a request with an OUT data stage. Caller holds mu.
func (g *Gadget) handleDataOut(data []byte) {
	setup := g.setup
	g.setup = device.SetupPacket{}
	if _, err := g.standard(&setup, data); err != nil {
		g.stall(err)
		return
	}
	g.status()
}

// respond queues the IN data stage. A response shorter than wLength that
// ends on a packet boundary is terminated with a zero-length packet.
func (g *Gadget) respond(setup *device.SetupPacket, resp []byte) {
	n := len(resp)
	if n > int(setup.Length) {
		n = int(setup.Length)
	}
	r, err := g.pool.Alloc(device.ControlIn, n)
	if err != nil {
		g.stall(err)
		return
	}
	copy(r.Buffer, resp[:n])
	if n < int(setup.Length) {
		r.Flags |= device.FlagZLP
	}
	g.enqueueControl(r)
}

// status queues the zero-length IN status stage.
func (g *Gadget) status() {
	r, err := g.pool.Alloc(device.ControlIn, 0)
	if err != nil {
		g.stall(err)
		return
	}
	g.enqueueControl(r)
}

// enqueueControl queues a control IN request. A protocol error means a new
// SETUP already replaced the request being answered, so it is not stalled.
func (g *Gadget) enqueueControl(r *device.Request) {
	err := g.ctrl.Enqueue(r)
	if err == nil {
		return
	}
	g.pool.Free(r)
	if errors.Is(err, pkg.ErrProtocol) {
		pkg.LogDebug(pkg.ComponentGadget, "response superseded", "error", err)
		return
	}
	g.stall(err)
}

// stall rejects the current control transfer.
func (g *Gadget) stall(cause error) {
	g.stats.Stalls++
	pkg.LogDebug(pkg.ComponentGadget, "stall", "error", cause)
	if err := g.ctrl.SetHalt(device.ControlIn); err != nil {
		pkg.LogWarn(pkg.ComponentGadget, "stall failed", "error", err)
	}
}

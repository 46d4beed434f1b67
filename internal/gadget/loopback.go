package gadget

import (
	"errors"
	"fmt"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/pkg"
)

// configure applies SET_CONFIGURATION. Caller holds mu.
func (g *Gadget) configure(value uint8) error {
	switch value {
	case 0:
		g.deconfigure()
		return nil
	case ConfigurationValue:
	default:
		return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidRequest)
	}

	// Reconfiguring resets every function endpoint.
	g.deconfigure()
	for i := range g.fn.Endpoints {
		ep := &g.fn.Endpoints[i]
		if err := g.ctrl.EnableEndpoint(ep.config()); err != nil {
			g.deconfigure()
			return fmt.Errorf("configuration %d: %w", value, err)
		}
	}
	g.configured = value
	g.stats.Configure++

	for i := range g.fn.Endpoints {
		ep := &g.fn.Endpoints[i]
		if ep.Address&device.EndpointDirectionIn == 0 {
			if err := g.read(ep); err != nil {
				return err
			}
		}
	}
	pkg.LogInfo(pkg.ComponentGadget, "configured", "value", value, "endpoints", len(g.fn.Endpoints))
	return nil
}

// deconfigure disables every function endpoint. Their queued requests are
// released by the engine and freed as they arrive. Caller holds mu.
func (g *Gadget) deconfigure() {
	for i := range g.fn.Endpoints {
		addr := device.EndpointAddress(g.fn.Endpoints[i].Address)
		if err := g.ctrl.DisableEndpoint(addr); err != nil && !errors.Is(err, pkg.ErrInvalidEndpoint) {
			pkg.LogWarn(pkg.ComponentGadget, "disable failed", "ep", addr, "error", err)
		}
	}
	g.configured = 0
}

// read queues a loopback OUT request on ep.
func (g *Gadget) read(ep *EndpointSpec) error {
	size := g.readSize
	if size <= 0 {
		size = 4 * int(ep.MaxPacketSize)
	}
	r, err := g.pool.Alloc(device.EndpointAddress(ep.Address), size)
	if err != nil {
		return err
	}
	if err := g.ctrl.Enqueue(r); err != nil {
		g.pool.Free(r)
		return err
	}
	return nil
}

// endpoint returns the function endpoint at addr.
func (g *Gadget) endpoint(addr device.EndpointAddress) *EndpointSpec {
	for i := range g.fn.Endpoints {
		if device.EndpointAddress(g.fn.Endpoints[i].Address) == addr {
			return &g.fn.Endpoints[i]
		}
	}
	return nil
}

// loopback echoes a completed OUT request on the IN endpoint with the same
// number and queues the next read. Released requests are not replaced; the
// endpoint was disabled, reset or dequeued. Caller holds mu.
func (g *Gadget) loopback(r *device.Request) {
	if r.Err != nil {
		pkg.LogDebug(pkg.ComponentGadget, "read released", "ep", r.Endpoint, "error", r.Err)
		return
	}
	if g.configured == 0 {
		return
	}

	out := g.endpoint(r.Endpoint)
	in := g.endpoint(r.Endpoint | device.EndpointDirectionIn)
	if in != nil {
		w, err := g.pool.Alloc(device.EndpointAddress(in.Address), r.Actual)
		if err == nil {
			copy(w.Buffer, r.Data())
			w.Flags |= device.FlagZLP
			err = g.ctrl.Enqueue(w)
			if err != nil {
				g.pool.Free(w)
			}
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentGadget, "echo failed", "ep", in.Address, "error", err)
		}
	}
	if out != nil {
		if err := g.read(out); err != nil {
			pkg.LogWarn(pkg.ComponentGadget, "read failed", "ep", r.Endpoint, "error", err)
		}
	}
}

// Package host plays the USB host against a simulated controller. It issues
// control, bulk and enumeration sequences the way a host controller would,
// retrying a NAKed token until the device arms the endpoint.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/pkg"
)

// DefaultPoll is the interval between retries of a NAKed token.
const DefaultPoll = 100 * time.Microsecond

// Host drives one simulated device.
type Host struct {
	sim  *sim.Sim
	mps0 int
	poll time.Duration
}

// New creates a host for s. The endpoint 0 packet size starts at 8 bytes and
// is raised by Enumerate.
func New(s *sim.Sim) *Host {
	return &Host{sim: s, mps0: 8, poll: DefaultPoll}
}

// SetPoll sets the NAK retry interval.
func (h *Host) SetPoll(d time.Duration) {
	h.poll = d
}

// SetMaxPacketSize0 sets the endpoint 0 packet size.
func (h *Host) SetMaxPacketSize0(n int) {
	h.mps0 = n
}

// retry runs fn until it stops returning sim.ErrNAK or ctx is done.
func (h *Host) retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, sim.ErrNAK) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", pkg.ErrTimeout, ctx.Err())
		case <-time.After(h.poll):
		}
	}
}

// ControlIn runs a control read: SETUP, IN data stage, OUT status stage.
func (h *Host) ControlIn(ctx context.Context, setup *device.SetupPacket) ([]byte, error) {
	h.sim.Setup(setup.Bytes())
	data, err := h.readIn(ctx, device.ControlIn, h.mps0, int(setup.Length))
	if err != nil {
		return nil, fmt.Errorf("%s: data: %w", setup, err)
	}
	err = h.retry(ctx, func() error { return h.sim.Out(uint8(device.ControlOut), nil) })
	if err != nil {
		return nil, fmt.Errorf("%s: status: %w", setup, err)
	}
	return data, nil
}

// ControlOut runs a control write: SETUP, OUT data stage if data is not
// empty, IN status stage.
func (h *Host) ControlOut(ctx context.Context, setup *device.SetupPacket, data []byte) error {
	h.sim.Setup(setup.Bytes())
	if err := h.writeOut(ctx, device.ControlOut, h.mps0, data, false); err != nil {
		return fmt.Errorf("%s: data: %w", setup, err)
	}
	var status []byte
	err := h.retry(ctx, func() (err error) {
		status, err = h.sim.In(uint8(device.ControlIn))
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: status: %w", setup, err)
	}
	if len(status) != 0 {
		return fmt.Errorf("%s: status stage carried %d bytes: %w", setup, len(status), pkg.ErrProtocol)
	}
	return nil
}

// BulkOut sends data to addr in mps-sized packets, followed by a
// zero-length packet when data ends on a packet boundary and zlp is set.
func (h *Host) BulkOut(ctx context.Context, addr device.EndpointAddress, mps int, data []byte, zlp bool) error {
	return h.writeOut(ctx, addr, mps, data, zlp)
}

// BulkIn reads from addr until a short packet.
func (h *Host) BulkIn(ctx context.Context, addr device.EndpointAddress, mps int) ([]byte, error) {
	return h.readIn(ctx, addr, mps, -1)
}

// readIn collects IN data until a short packet or limit bytes. A negative
// limit reads until a short packet.
func (h *Host) readIn(ctx context.Context, addr device.EndpointAddress, mps, limit int) ([]byte, error) {
	var data []byte
	for limit != 0 {
		var pkt []byte
		err := h.retry(ctx, func() (err error) {
			pkt, err = h.sim.In(uint8(addr))
			return err
		})
		if err != nil {
			return data, err
		}
		data = append(data, pkt...)
		if len(pkt) == 0 || len(pkt)%mps != 0 || (limit > 0 && len(data) >= limit) {
			break
		}
	}
	return data, nil
}

func (h *Host) writeOut(ctx context.Context, addr device.EndpointAddress, mps int, data []byte, zlp bool) error {
	for off := 0; off < len(data); off += mps {
		end := min(off+mps, len(data))
		pkt := data[off:end]
		if err := h.retry(ctx, func() error { return h.sim.Out(uint8(addr), pkt) }); err != nil {
			return err
		}
	}
	if zlp && len(data)%mps == 0 {
		return h.retry(ctx, func() error { return h.sim.Out(uint8(addr), nil) })
	}
	return nil
}

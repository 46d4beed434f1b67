package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/internal/gadget"
	"github.com/ardnew/softudc/pkg"
	"github.com/ardnew/softudc/pkg/usbid"
)

// Enumerate resets the simulated bus and enumerates the device.
type Enumerate struct {
	Stats  bool   `help:"Print engine counters afterwards"`
	UsbIDs string `name:"usb-ids" help:"USB ID database for vendor names (default: system locations)" type:"path" env:"UDCSIM_USB_IDS"`

	out io.Writer `kong:"-"`
}

// Run is called by kong when the enumerate command is executed.
func (c *Enumerate) Run(logger *slog.Logger, e *Engine) error {
	r, err := newRig(logger, e)
	if err != nil {
		return err
	}
	w := output(c.out)

	var ids *usbid.Database
	if c.UsbIDs != "" {
		ids, err = usbid.Open(c.UsbIDs)
	} else {
		ids, err = usbid.Open()
	}
	if err != nil {
		logger.Debug("no USB ID database", "error", err)
	}

	ctx, stop := scenarioContext(e)
	defer stop()

	err = r.run(ctx, func(ctx context.Context) error {
		dev, err := r.host.Enumerate(ctx, e.Address)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "address      %d\n", dev.Address)
		fmt.Fprintf(w, "device       %04x:%04x bcdDevice %04x\n",
			dev.Descriptor.VendorID, dev.Descriptor.ProductID, dev.Descriptor.DeviceVersion)
		if name := ids.Vendor(dev.Descriptor.VendorID); name != "" {
			fmt.Fprintf(w, "vendor       %s\n", name)
		}
		if name := ids.Product(dev.Descriptor.VendorID, dev.Descriptor.ProductID); name != "" {
			fmt.Fprintf(w, "known as     %s\n", name)
		}
		fmt.Fprintf(w, "mps0         %d\n", dev.Descriptor.MaxPacketSize0)
		fmt.Fprintf(w, "manufacturer %q\n", dev.Manufacturer)
		fmt.Fprintf(w, "product      %q\n", dev.Product)
		fmt.Fprintf(w, "serial       %q\n", dev.SerialNumber)
		fmt.Fprintf(w, "config       %d (%d bytes)\n",
			dev.Configuration.ConfigurationValue, dev.Configuration.TotalLength)
		for _, ep := range dev.Endpoints {
			fmt.Fprintf(w, "endpoint     0x%02x %s mps %d\n", ep.Address, ep.Type, ep.MaxPacketSize)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if c.Stats {
		return r.report(w)
	}
	return nil
}

// Loopback enumerates the device and echoes bulk transfers through its
// first OUT/IN endpoint pair.
type Loopback struct {
	Sizes          []int `help:"Transfer sizes in bytes" default:"1,63,64,100,512"`
	Rounds         int   `help:"Number of passes over the sizes" default:"4"`
	DropInterrupts int   `help:"Interrupts to lose after enumeration; needs the watchdog" default:"0"`
	Spurious       int   `help:"Empty interrupts to inject after enumeration" default:"0"`

	out io.Writer `kong:"-"`
}

// Run is called by kong when the loopback command is executed.
func (c *Loopback) Run(logger *slog.Logger, e *Engine) error {
	if c.DropInterrupts > 0 && e.Watchdog <= 0 {
		return fmt.Errorf("drop-interrupts needs a watchdog: %w", pkg.ErrInvalidParameter)
	}
	if len(c.Sizes) == 0 || slices.Min(c.Sizes) < 0 {
		return fmt.Errorf("sizes %v: %w", c.Sizes, pkg.ErrInvalidParameter)
	}
	fn, err := e.function()
	if err != nil {
		return err
	}
	out, in, ok := loopbackPair(fn)
	if !ok {
		return fmt.Errorf("function has no bulk OUT/IN endpoint pair: %w", pkg.ErrInvalidEndpoint)
	}

	// Every transfer must end in a short or zero-length packet so each
	// one produces a single echo.
	mps := int(out.MaxPacketSize)
	readSize := (slices.Max(c.Sizes)/mps + 1) * mps

	r, err := newRig(logger, e, gadget.WithReadSize(readSize))
	if err != nil {
		return err
	}
	w := output(c.out)

	ctx, stop := scenarioContext(e)
	defer stop()

	var transfers, total int
	err = r.run(ctx, func(ctx context.Context) error {
		if _, err := r.host.Enumerate(ctx, e.Address); err != nil {
			return err
		}
		if c.Spurious > 0 {
			r.sim.Spurious(c.Spurious)
		}
		if c.DropInterrupts > 0 {
			r.sim.DropInterrupts(c.DropInterrupts)
		}

		for round := range c.Rounds {
			for _, size := range c.Sizes {
				data := pattern(size, round)
				if err := r.host.BulkOut(ctx, device.EndpointAddress(out.Address), mps, data, true); err != nil {
					return fmt.Errorf("round %d size %d out: %w", round, size, err)
				}
				got, err := r.host.BulkIn(ctx, device.EndpointAddress(in.Address), int(in.MaxPacketSize))
				if err != nil {
					return fmt.Errorf("round %d size %d in: %w", round, size, err)
				}
				if !bytes.Equal(data, got) {
					return fmt.Errorf("round %d size %d: echoed %d bytes that differ: %w",
						round, size, len(got), pkg.ErrDataMismatch)
				}
				transfers++
				total += size
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("loopback complete", "transfers", transfers, "bytes", total)
	fmt.Fprintf(w, "%d transfers, %d bytes echoed on 0x%02x/0x%02x\n", transfers, total, out.Address, in.Address)
	return r.report(w)
}

// loopbackPair returns the first bulk OUT endpoint with a bulk IN partner.
func loopbackPair(fn gadget.Function) (out, in gadget.EndpointSpec, ok bool) {
	for _, o := range fn.Endpoints {
		if o.Address&0x80 != 0 || uint8(o.Type) != device.EndpointTypeBulk {
			continue
		}
		for _, i := range fn.Endpoints {
			if i.Address == o.Address|0x80 && i.Type == o.Type {
				return o, i, true
			}
		}
	}
	return out, in, false
}

func pattern(n, seed int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + seed)
	}
	return data
}

func scenarioContext(e *Engine) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if e.Timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func output(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/internal/gadget"
	"github.com/ardnew/softudc/internal/host"
	"github.com/ardnew/softudc/pkg/prof"
)

// rig is one simulated bus: the controller back-end, the transfer engine,
// the loopback function and a scripted host.
type rig struct {
	logger *slog.Logger
	sim    *sim.Sim
	pool   *device.Pool
	queue  *device.NotifyQueue
	ctrl   *device.Controller
	gadget *gadget.Gadget
	host   *host.Host
	fn     gadget.Function
	prof   string
}

func newRig(logger *slog.Logger, e *Engine, opts ...gadget.Option) (*rig, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	fn, err := e.function()
	if err != nil {
		return nil, err
	}

	r := &rig{
		logger: logger,
		sim:    sim.New(),
		pool:   device.NewPool(e.PoolLimit),
		queue:  device.NewNotifyQueue(),
		fn:     fn,
		prof:   e.ProfileDir,
	}
	r.sim.Record(false)
	r.ctrl = device.New(r.sim, r.pool, r.queue, cfg)
	r.sim.Attach(r.ctrl.ISR)
	r.gadget = gadget.New(r.ctrl, r.pool, fn, cfg.ControlMaxPacketSize, opts...)
	r.host = host.New(r.sim)
	if e.Poll > 0 {
		r.host.SetPoll(e.Poll)
	}
	return r, nil
}

// run starts the engine and the function, runs script as the host and
// shuts everything down when script returns.
func (r *rig) run(ctx context.Context, script func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.prof != "" {
		if !prof.Enabled {
			r.logger.Warn("profiling is not compiled in; rebuild with -tags profile")
		}
		session, err := prof.Start(r.prof)
		if err != nil {
			return fmt.Errorf("start profiling: %w", err)
		}
		defer func() {
			if err := session.Stop(); err != nil {
				r.logger.Error("failed to write profiles", "dir", r.prof, "error", err)
			}
		}()
	}

	if err := r.ctrl.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.gadget.Run(gctx, r.queue)
	})
	g.Go(func() error {
		defer cancel()
		return script(gctx)
	})
	err := g.Wait()

	if serr := r.ctrl.Stop(); err == nil {
		err = serr
	}
	r.queue.Close()
	if n := r.pool.Outstanding(); n != 0 {
		r.logger.Warn("requests still outstanding after stop", "count", n)
	}
	return err
}

// report prints the engine and function counters.
func (r *rig) report(w io.Writer) error {
	s := r.ctrl.Stats()
	gs := r.gadget.Stats()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value uint64
	}{
		{"interrupts", s.ISRCalls},
		{"spurious interrupts", s.SpuriousISR},
		{"interrupt storms", s.Storms},
		{"events posted", s.EventsPosted},
		{"events dropped", s.EventsDropped},
		{"setups", s.Setups},
		{"setups dropped", s.SetupsDropped},
		{"preemptions", s.Preemptions},
		{"protocol errors", s.ProtocolErrors},
		{"watchdog timeouts", s.Timeouts},
		{"recovered completions", s.Recovered},
		{"completed requests", s.Completed},
		{"aborted requests", s.Aborted},
		{"function requests", gs.Requests},
		{"function stalls", gs.Stalls},
		{"looped bytes", gs.Looped},
		{"configurations", gs.Configure},
		{"bus resets", gs.Resets},
		{"function errors", gs.Errors},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", row.name, row.value)
	}
	return tw.Flush()
}

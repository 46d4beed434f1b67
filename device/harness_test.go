package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/device/hal/sim"
)

const testTimeout = 2 * time.Second

// harness wires a Controller to the simulator with a NotifyQueue sink.
type harness struct {
	t    *testing.T
	sim  *sim.Sim
	c    *Controller
	q    *NotifyQueue
	pool *Pool

	stageMu sync.Mutex
	stages  []Stage
}

type harnessOption func(*Config, *harness)

func withConfig(fn func(*Config)) harnessOption {
	return func(cfg *Config, _ *harness) { fn(cfg) }
}

func withPool(limit int) harnessOption {
	return func(_ *Config, h *harness) { h.pool = NewPool(limit) }
}

// newHarness builds a controller without starting it.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		sim:  sim.New(),
		q:    NewNotifyQueue(),
		pool: NewPool(0),
	}
	cfg := DefaultConfig()
	cfg.Watchdog = 0
	for _, opt := range opts {
		opt(&cfg, h)
	}
	cfg.OnStage = func(_, to Stage) {
		h.stageMu.Lock()
		h.stages = append(h.stages, to)
		h.stageMu.Unlock()
	}
	h.c = New(h.sim, h.pool, h.q, cfg)
	h.sim.Attach(h.c.ISR)
	t.Cleanup(func() {
		_ = h.c.Stop()
		h.q.Close()
	})
	return h
}

// startHarness builds and starts a controller.
func startHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	require.NoError(t, h.c.Start(context.Background()))
	return h
}

func (h *harness) next() Notification {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	n, err := h.q.Next(ctx)
	require.NoError(h.t, err, "waiting for notification")
	return n
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(h.t, h.c.Flush(ctx))
}

// transfer waits for a transfer notification on ep.
func (h *harness) transfer(ep EndpointAddress) *Request {
	h.t.Helper()
	n := h.next()
	require.Equal(h.t, NotifyTransfer, n.Kind, "notification %+v", n)
	require.Equal(h.t, ep, n.Endpoint)
	require.NotNil(h.t, n.Request)
	return n.Request
}

// setup sends a SETUP packet and waits for its delivery.
func (h *harness) setup(pkt SetupPacket) *Request {
	h.t.Helper()
	h.sim.Setup(pkt.Bytes())
	r := h.transfer(ControlOut)
	require.True(h.t, r.IsSetup())
	require.NoError(h.t, r.Err)
	return r
}

func (h *harness) enable(addr EndpointAddress, mps uint16, dual bool) {
	h.t.Helper()
	require.NoError(h.t, h.c.EnableEndpoint(EndpointConfig{
		Address:        addr,
		Type:           EndpointTypeBulk,
		MaxPacketSize:  mps,
		DoubleBuffered: dual,
	}))
}

func (h *harness) stagePath() []Stage {
	h.stageMu.Lock()
	defer h.stageMu.Unlock()
	return append([]Stage(nil), h.stages...)
}

func (h *harness) resetStages() {
	h.stageMu.Lock()
	defer h.stageMu.Unlock()
	h.stages = nil
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

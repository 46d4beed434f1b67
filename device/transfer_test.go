package device

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/device/hal/sim"
	"github.com/ardnew/softudc/pkg"
)

func TestRequestFinishOnce(t *testing.T) {
	r := NewRequest(0x81, []byte{1, 2, 3})
	r.prepare(64)
	assert.False(t, r.Done())

	assert.True(t, r.finish(nil))
	assert.False(t, r.finish(pkg.ErrAborted))
	assert.True(t, r.Done())
	assert.Equal(t, pkg.TransferStatusSuccess, r.Status)
	assert.NoError(t, r.Err)
}

func TestRequestPrepareZLP(t *testing.T) {
	tests := []struct {
		name  string
		ep    EndpointAddress
		len   int
		flags RequestFlags
		want  bool
	}{
		{"empty in", 0x81, 0, 0, true},
		{"multiple without flag", 0x81, 128, 0, false},
		{"multiple with flag", 0x81, 128, FlagZLP, true},
		{"short with flag", 0x81, 100, FlagZLP, false},
		{"out never", 0x01, 128, FlagZLP, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRequest(tt.ep, make([]byte, tt.len))
			r.Flags = tt.flags
			r.prepare(64)
			assert.Equal(t, tt.want, r.sendZLP)
			assert.True(t, r.pending())
		})
	}
}

func TestPool(t *testing.T) {
	p := NewPool(2)

	a, err := p.Alloc(ControlOut, 8)
	require.NoError(t, err)
	assert.Len(t, a.Buffer, 8)
	assert.Equal(t, 8, a.Length)
	assert.Equal(t, ControlOut, a.Endpoint)

	b, err := p.Alloc(0x81, 0)
	require.NoError(t, err)
	assert.Empty(t, b.Buffer)

	_, err = p.Alloc(0x81, 4)
	assert.ErrorIs(t, err, pkg.ErrNoBuffer)
	assert.Equal(t, 2, p.Outstanding())

	p.Free(a)
	c, err := p.Alloc(0x02, 16)
	require.NoError(t, err)
	assert.Len(t, c.Buffer, 16)
	assert.Zero(t, c.Flags)
	assert.False(t, c.Done())

	p.Free(b)
	p.Free(c)
	p.Free(nil)
	assert.Zero(t, p.Outstanding())
}

func TestTransferQueue(t *testing.T) {
	var q transferQueue
	assert.Nil(t, q.peek())
	assert.Nil(t, q.pop())

	reqs := []*Request{{Length: 1}, {Length: 2}, {Length: 3}}
	for _, r := range reqs {
		q.push(r)
	}
	assert.Equal(t, 3, q.len())
	assert.Same(t, reqs[0], q.pop())
	assert.Same(t, reqs[1], q.peek())

	q.push(&Request{Length: 4})
	drained := q.drain()
	require.Len(t, drained, 3)
	assert.Same(t, reqs[1], drained[0])
	assert.Equal(t, 4, drained[2].Length)
	assert.Zero(t, q.len())
	assert.Nil(t, q.drain())
}

func TestBulkQueueOrder(t *testing.T) {
	h := startHarness(t)
	h.enable(0x81, 64, false)

	var reqs []*Request
	for i := 0; i < 3; i++ {
		r := NewRequest(0x81, pattern(10, byte(i*16)))
		reqs = append(reqs, r)
		require.NoError(t, h.c.Enqueue(r))
	}
	assert.Equal(t, 3, h.c.Queued(0x81))

	for i := 0; i < 3; i++ {
		got, err := h.sim.In(0x81)
		require.NoError(t, err)
		assert.Equal(t, reqs[i].Buffer, got)
		done := h.transfer(0x81)
		assert.Same(t, reqs[i], done)
		assert.Equal(t, 10, done.Actual)
	}
	assert.Zero(t, h.c.Queued(0x81))
}

func TestBulkOutShortPacket(t *testing.T) {
	h := startHarness(t)
	h.enable(0x02, 16, false)

	r := NewRequest(0x02, make([]byte, 64))
	require.NoError(t, h.c.Enqueue(r))

	require.NoError(t, h.sim.Out(0x02, pattern(16, 0)))
	require.NoError(t, h.sim.Out(0x02, pattern(5, 16)))

	done := h.transfer(0x02)
	assert.Equal(t, 21, done.Actual)
	assert.Equal(t, pattern(21, 0), done.Data())
}

func TestQueueRejectPolicy(t *testing.T) {
	h := startHarness(t, withConfig(func(cfg *Config) {
		cfg.QueuePolicy = QueueReject
	}))
	h.enable(0x81, 64, false)

	require.NoError(t, h.c.Enqueue(NewRequest(0x81, []byte{1})))
	err := h.c.Enqueue(NewRequest(0x81, []byte{2}))
	assert.ErrorIs(t, err, pkg.ErrBusy)
	assert.Equal(t, 1, h.c.Queued(0x81))
}

func TestSingleBankZLP(t *testing.T) {
	h := startHarness(t)
	h.enable(0x81, 8, false)

	r := NewRequest(0x81, pattern(16, 0))
	r.Flags |= FlagZLP
	require.NoError(t, h.c.Enqueue(r))

	got, err := h.sim.In(0x81)
	require.NoError(t, err)
	assert.Len(t, got, 16)
	assert.Zero(t, h.q.Len())

	got, err = h.sim.In(0x81)
	require.NoError(t, err)
	assert.Empty(t, got)

	done := h.transfer(0x81)
	assert.Equal(t, 16, done.Actual)
}

func TestDualBankInSplitsPackets(t *testing.T) {
	h := startHarness(t)
	h.enable(0x83, 8, true)

	data := pattern(20, 0x30)
	require.NoError(t, h.c.Enqueue(NewRequest(0x83, data)))

	var got []byte
	for _, want := range []int{8, 8, 4} {
		pkt, err := h.sim.In(0x83)
		require.NoError(t, err)
		require.Len(t, pkt, want)
		got = append(got, pkt...)
	}
	done := h.transfer(0x83)
	assert.Equal(t, 20, done.Actual)
	assert.Equal(t, data, got)
}

func TestDualBankInZLP(t *testing.T) {
	h := startHarness(t)
	h.enable(0x83, 8, true)

	r := NewRequest(0x83, pattern(16, 0))
	r.Flags |= FlagZLP
	require.NoError(t, h.c.Enqueue(r))

	for _, want := range []int{8, 8, 0} {
		pkt, err := h.sim.In(0x83)
		require.NoError(t, err)
		require.Len(t, pkt, want)
	}
	h.transfer(0x83)
}

func TestDualBankOutCoalescedInterrupt(t *testing.T) {
	h := startHarness(t)
	h.enable(0x02, 8, true)

	r := NewRequest(0x02, make([]byte, 24))
	require.NoError(t, h.c.Enqueue(r))
	assert.True(t, h.sim.Armed(0x02, hal.BankA))
	assert.True(t, h.sim.Armed(0x02, hal.BankB))

	// Both banks complete before the engine gets to run.
	h.sim.Hold()
	require.NoError(t, h.sim.Out(0x02, pattern(8, 0)))
	require.NoError(t, h.sim.Out(0x02, pattern(8, 8)))
	h.sim.Release()

	require.NoError(t, h.sim.Out(0x02, pattern(8, 16)))
	done := h.transfer(0x02)
	assert.Equal(t, pattern(24, 0), done.Data())
}

func TestDualBankOutParityStartsAtB(t *testing.T) {
	h := startHarness(t)
	h.enable(0x02, 8, true)

	// One packet moves hardware to bank B.
	require.NoError(t, h.c.Enqueue(NewRequest(0x02, make([]byte, 8))))
	require.NoError(t, h.sim.Out(0x02, pattern(8, 0xF0)))
	h.transfer(0x02)

	r := NewRequest(0x02, make([]byte, 16))
	require.NoError(t, h.c.Enqueue(r))

	h.sim.Hold()
	require.NoError(t, h.sim.Out(0x02, pattern(8, 0)))
	require.NoError(t, h.sim.Out(0x02, pattern(8, 8)))
	h.sim.Release()

	done := h.transfer(0x02)
	assert.Equal(t, pattern(16, 0), done.Data())
}

func TestDualBankOutReportedOutOfOrder(t *testing.T) {
	h := startHarness(t)
	h.enable(0x02, 8, true)

	r := NewRequest(0x02, make([]byte, 16))
	require.NoError(t, h.c.Enqueue(r))

	// Complete both banks in hardware, then report B before A.
	h.sim.Hold()
	require.NoError(t, h.sim.Out(0x02, pattern(8, 0)))
	require.NoError(t, h.sim.Out(0x02, pattern(8, 8)))

	var late hal.Cause
	late.SetReady(0x02, hal.BankB)
	h.c.ISR(&late)
	assert.Zero(t, r.Actual, "bank B must wait for bank A")

	var early hal.Cause
	early.SetReady(0x02, hal.BankA)
	h.c.ISR(&early)

	done := h.transfer(0x02)
	assert.Equal(t, pattern(16, 0), done.Data())
}

func TestDualBankOutShortPacketAbortsOtherBank(t *testing.T) {
	h := startHarness(t)
	h.enable(0x02, 8, true)

	require.NoError(t, h.c.Enqueue(NewRequest(0x02, make([]byte, 32))))
	require.NoError(t, h.sim.Out(0x02, pattern(3, 0)))

	done := h.transfer(0x02)
	assert.Equal(t, 3, done.Actual)
	assert.False(t, h.sim.Armed(0x02, hal.BankB))

	// Sequencing restarts cleanly for the next request.
	next := NewRequest(0x02, make([]byte, 8))
	require.NoError(t, h.c.Enqueue(next))
	require.NoError(t, h.sim.Out(0x02, pattern(8, 0x40)))
	assert.Equal(t, pattern(8, 0x40), h.transfer(0x02).Data())
}

func TestCacheMaintenanceOrdering(t *testing.T) {
	h := startHarness(t)
	h.enable(0x81, 8, true)
	h.enable(0x02, 8, false)

	require.NoError(t, h.c.Enqueue(NewRequest(0x81, pattern(12, 0))))
	require.NoError(t, h.c.Enqueue(NewRequest(0x02, make([]byte, 8))))
	for i := 0; i < 2; i++ {
		_, err := h.sim.In(0x81)
		require.NoError(t, err)
	}
	h.transfer(0x81)

	ops := h.sim.Ops()
	var arms int
	for i, op := range ops {
		switch op.Kind {
		case sim.OpArmIn:
			require.Positive(t, i)
			assert.Equal(t, sim.OpFlush, ops[i-1].Kind, "op %d %s", i, op)
			assert.Equal(t, op.Len, ops[i-1].Len)
			arms++
		case sim.OpArmOut:
			require.Positive(t, i)
			assert.Equal(t, sim.OpInvalidate, ops[i-1].Kind, "op %d %s", i, op)
			assert.Equal(t, op.Len, ops[i-1].Len)
			arms++
		}
	}
	assert.GreaterOrEqual(t, arms, 3)
}

func TestDequeueAllReleasesEveryRequest(t *testing.T) {
	h := startHarness(t)
	h.enable(0x81, 64, false)

	var reqs []*Request
	for i := 0; i < 3; i++ {
		r := NewRequest(0x81, []byte{byte(i)})
		reqs = append(reqs, r)
		require.NoError(t, h.c.Enqueue(r))
	}
	require.True(t, h.sim.Armed(0x81, hal.BankA))

	require.NoError(t, h.c.DequeueAll(0x81))
	for _, want := range reqs {
		got := h.transfer(0x81)
		assert.Same(t, want, got)
		assert.ErrorIs(t, got.Err, pkg.ErrAborted)
		assert.True(t, got.Done())
	}
	assert.Zero(t, h.c.Queued(0x81))
	assert.False(t, h.sim.Armed(0x81, hal.BankA))
	assert.Zero(t, h.q.Len())

	_, err := h.sim.In(0x81)
	assert.ErrorIs(t, err, sim.ErrNAK)

	// The endpoint keeps working.
	require.NoError(t, h.c.Enqueue(NewRequest(0x81, []byte{7})))
	got, err := h.sim.In(0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, got)
	assert.NoError(t, h.transfer(0x81).Err)
}

func TestEnqueueErrors(t *testing.T) {
	h := newHarness(t)
	err := h.c.Enqueue(NewRequest(0x81, nil))
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	require.NoError(t, h.c.Start(t.Context()))
	err = h.c.Enqueue(NewRequest(0x81, nil))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	h.enable(0x81, 64, false)
	r := NewRequest(0x81, make([]byte, 4))
	r.Length = 5
	assert.ErrorIs(t, h.c.Enqueue(r), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, h.c.Enqueue(nil), pkg.ErrInvalidParameter)
}

func TestConcurrentEndpoints(t *testing.T) {
	h := startHarness(t)
	const perEndpoint = 50
	eps := []EndpointAddress{0x81, 0x82, 0x83, 0x84}
	for i, ep := range eps {
		h.enable(ep, 64, i%2 == 1)
	}

	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(2)
		go func(ep EndpointAddress) {
			defer wg.Done()
			for i := 0; i < perEndpoint; i++ {
				assert.NoError(t, h.c.Enqueue(NewRequest(ep, []byte{ep.Number(), byte(i)})))
			}
		}(ep)
		go func(ep EndpointAddress) {
			defer wg.Done()
			for i := 0; i < perEndpoint; {
				pkt, err := h.sim.In(uint8(ep))
				if errors.Is(err, sim.ErrNAK) {
					runtime.Gosched()
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, []byte{ep.Number(), byte(i)}, pkt)
				i++
			}
		}(ep)
	}
	wg.Wait()

	counts := map[EndpointAddress]int{}
	for i := 0; i < perEndpoint*len(eps); i++ {
		n := h.next()
		require.Equal(t, NotifyTransfer, n.Kind)
		require.NoError(t, n.Err)
		counts[n.Endpoint]++
	}
	for _, ep := range eps {
		assert.Equal(t, perEndpoint, counts[ep], "endpoint %s", ep)
	}
}

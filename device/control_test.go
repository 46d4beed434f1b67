package device

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/pkg"
)

func TestStage_String(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageSetup, "Setup"},
		{StageDataOut, "DataOut"},
		{StageDataIn, "DataIn"},
		{StageNoData, "NoData"},
		{StageStatusOut, "StatusOut"},
		{StageStatusIn, "StatusIn"},
		{Stage(42), "Stage(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stage.String())
		})
	}
}

func TestControlContextBegin(t *testing.T) {
	var in, out, nodata SetupPacket
	GetDescriptorSetup(&in, DescriptorTypeDevice, 0, 18)
	VendorOutSetup(&out, 0x01, 4)
	SetAddressSetup(&nodata, 3)

	tests := []struct {
		name  string
		setup *SetupPacket
		want  Stage
	}{
		{"device to host", &in, StageDataIn},
		{"host to device", &out, StageDataOut},
		{"no data", &nodata, StageNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c controlContext
			assert.Equal(t, tt.want, c.begin(tt.setup))
			assert.Equal(t, *tt.setup, c.setup)
		})
	}
}

func TestControlContextComplete(t *testing.T) {
	tests := []struct {
		name    string
		from    Stage
		in      bool
		want    Stage
		wantErr bool
	}{
		{"data in done", StageDataIn, true, StageStatusOut, false},
		{"status in done", StageStatusIn, true, StageSetup, false},
		{"no data status done", StageNoData, true, StageSetup, false},
		{"data out done", StageDataOut, false, StageStatusIn, false},
		{"status out done", StageStatusOut, false, StageSetup, false},
		{"out during data in", StageDataIn, false, StageDataIn, true},
		{"in during data out", StageDataOut, true, StageDataOut, true},
		{"in while idle", StageSetup, true, StageSetup, true},
		{"out during status in", StageStatusIn, false, StageStatusIn, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := controlContext{stage: tt.from}
			got, err := c.complete(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, pkg.ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, c.stage)
		})
	}
}

func TestControlContextEnqueueIn(t *testing.T) {
	tests := []struct {
		from    Stage
		zlp     bool
		want    Stage
		wantErr bool
	}{
		{StageDataIn, false, StageDataIn, false},
		{StageDataIn, true, StageDataIn, false},
		{StageNoData, true, StageStatusIn, false},
		{StageNoData, false, StageNoData, true},
		{StageStatusIn, true, StageStatusIn, false},
		{StageStatusIn, false, StageStatusIn, true},
		{StageSetup, true, StageSetup, true},
		{StageDataOut, false, StageDataOut, true},
		{StageStatusOut, true, StageStatusOut, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/zlp=%t", tt.from, tt.zlp), func(t *testing.T) {
			c := controlContext{stage: tt.from}
			err := c.enqueueIn(tt.zlp)
			if tt.wantErr {
				assert.ErrorIs(t, err, pkg.ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, c.stage)
		})
	}
}

func TestControlContextObserver(t *testing.T) {
	var seen [][2]Stage
	c := controlContext{onStage: func(from, to Stage) {
		seen = append(seen, [2]Stage{from, to})
	}}

	var in SetupPacket
	GetDescriptorSetup(&in, DescriptorTypeDevice, 0, 18)
	c.begin(&in)
	_, err := c.complete(true)
	require.NoError(t, err)
	c.reset()

	assert.Equal(t, [][2]Stage{
		{StageSetup, StageDataIn},
		{StageDataIn, StageStatusOut},
		{StageStatusOut, StageSetup},
	}, seen)
}

func TestControlInTransfer(t *testing.T) {
	h := startHarness(t)

	var pkt SetupPacket
	GetDescriptorSetup(&pkt, DescriptorTypeDevice, 0, 18)
	h.setup(pkt)
	assert.Equal(t, StageDataIn, h.c.Stage())

	desc := pattern(18, 0x10)
	require.NoError(t, h.c.Enqueue(NewRequest(ControlIn, desc)))

	got, err := h.sim.In(0x80)
	require.NoError(t, err)
	assert.Equal(t, desc, got)

	r := h.transfer(ControlIn)
	assert.Equal(t, pkg.TransferStatusSuccess, r.Status)
	assert.Equal(t, 18, r.Actual)

	// The engine queues the status OUT itself.
	require.NoError(t, h.sim.Out(0x00, nil))
	status := h.transfer(ControlOut)
	assert.True(t, status.IsStatus())
	assert.Zero(t, status.Actual)
	h.pool.Free(status)

	assert.Equal(t, StageSetup, h.c.Stage())
	assert.Equal(t, []Stage{StageDataIn, StageStatusOut, StageSetup}, h.stagePath())
}

func TestControlOutTransfer(t *testing.T) {
	h := startHarness(t)

	var pkt SetupPacket
	VendorOutSetup(&pkt, 0x42, 10)
	h.setup(pkt)
	assert.Equal(t, StageDataOut, h.c.Stage())

	payload := pattern(10, 0xA0)
	require.NoError(t, h.sim.Out(0x00, payload))
	data := h.transfer(ControlOut)
	assert.Equal(t, payload, data.Data())
	assert.Equal(t, StageStatusIn, h.c.Stage())

	require.NoError(t, h.c.Enqueue(NewRequest(ControlIn, nil)))
	got, err := h.sim.In(0x80)
	require.NoError(t, err)
	assert.Empty(t, got)
	h.transfer(ControlIn)

	assert.Equal(t, StageSetup, h.c.Stage())
	assert.Equal(t, []Stage{StageDataOut, StageStatusIn, StageSetup}, h.stagePath())
}

func TestControlNoDataPassesThroughStatus(t *testing.T) {
	h := startHarness(t)

	var pkt SetupPacket
	SetConfigurationSetup(&pkt, 1)
	h.setup(pkt)
	assert.Equal(t, StageNoData, h.c.Stage())

	require.NoError(t, h.c.Enqueue(NewRequest(ControlIn, nil)))
	assert.Equal(t, StageStatusIn, h.c.Stage())

	_, err := h.sim.In(0x80)
	require.NoError(t, err)
	h.transfer(ControlIn)

	assert.Equal(t, []Stage{StageNoData, StageStatusIn, StageSetup}, h.stagePath())
}

func TestControlInRejectedOutsideInStages(t *testing.T) {
	h := startHarness(t)

	err := h.c.Enqueue(NewRequest(ControlIn, []byte{1}))
	assert.ErrorIs(t, err, pkg.ErrProtocol)

	var pkt SetupPacket
	VendorOutSetup(&pkt, 0x42, 4)
	h.setup(pkt)
	err = h.c.Enqueue(NewRequest(ControlIn, nil))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.Equal(t, StageDataOut, h.c.Stage())

	// The status stage only takes the zero-length handshake.
	require.NoError(t, h.sim.Out(0x00, []byte{1, 2, 3, 4}))
	h.transfer(ControlOut)
	require.Equal(t, StageStatusIn, h.c.Stage())
	err = h.c.Enqueue(NewRequest(ControlIn, []byte{1}))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.Equal(t, StageStatusIn, h.c.Stage())

	// A no-data request has no IN data stage either.
	SetConfigurationSetup(&pkt, 1)
	h.setup(pkt)
	err = h.c.Enqueue(NewRequest(ControlIn, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	assert.Equal(t, StageNoData, h.c.Stage())
	assert.Equal(t, uint64(4), h.c.Stats().ProtocolErrors)

	require.NoError(t, h.c.Enqueue(NewRequest(ControlIn, nil)))
	assert.Equal(t, StageStatusIn, h.c.Stage())
}

func TestControlCompletionInWrongStage(t *testing.T) {
	h := startHarness(t)

	var pkt SetupPacket
	GetDescriptorSetup(&pkt, DescriptorTypeConfiguration, 0, 9)
	h.setup(pkt)

	// An OUT completion while the transfer expects IN data.
	require.NoError(t, h.c.Enqueue(NewRequest(ControlOut, make([]byte, 4))))
	require.NoError(t, h.sim.Out(0x00, []byte{1, 2}))

	n := h.next()
	assert.Equal(t, NotifyError, n.Kind)
	assert.ErrorIs(t, n.Err, pkg.ErrProtocol)

	r := h.transfer(ControlOut)
	assert.NoError(t, r.Err)
	assert.Equal(t, []byte{1, 2}, r.Data())

	assert.Equal(t, StageDataIn, h.c.Stage())
	assert.Equal(t, uint64(1), h.c.Stats().ProtocolErrors)
}

func TestSetupPreemptsControlTransfer(t *testing.T) {
	h := startHarness(t)

	var first SetupPacket
	GetDescriptorSetup(&first, DescriptorTypeConfiguration, 0, 64)
	h.setup(first)
	pending := NewRequest(ControlIn, pattern(64, 0))
	require.NoError(t, h.c.Enqueue(pending))

	var second SetupPacket
	SetAddressSetup(&second, 9)
	h.sim.Setup(second.Bytes())

	aborted := h.transfer(ControlIn)
	assert.Same(t, pending, aborted)
	assert.ErrorIs(t, aborted.Err, pkg.ErrAborted)
	assert.Equal(t, pkg.TransferStatusAborted, aborted.Status)

	r := h.transfer(ControlOut)
	require.True(t, r.IsSetup())
	assert.Equal(t, second.Bytes(), [SetupPacketSize]byte(r.Data()))

	assert.Equal(t, StageNoData, h.c.Stage())
	assert.Equal(t, []Stage{StageDataIn, StageSetup, StageNoData}, h.stagePath())
	assert.Equal(t, uint64(1), h.c.Stats().Preemptions)
	assert.False(t, h.sim.Armed(0x80, 0))
}

func TestSetupPreemptionDiscardsPendingAddress(t *testing.T) {
	h := startHarness(t)

	var pkt SetupPacket
	SetAddressSetup(&pkt, 12)
	h.setup(pkt)
	require.NoError(t, h.c.SetAddress(12))

	// Host gives up on the status stage and starts over.
	SetAddressSetup(&pkt, 13)
	h.setup(pkt)
	require.NoError(t, h.c.SetAddress(13))
	require.NoError(t, h.c.Enqueue(NewRequest(ControlIn, nil)))
	_, err := h.sim.In(0x80)
	require.NoError(t, err)
	h.transfer(ControlIn)

	assert.Equal(t, uint8(13), h.c.Address())
	assert.Equal(t, uint8(13), h.sim.Address())
}

func TestSetupDropWhilePending(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *Config) {
		cfg.SetupPolicy = SetupDropWhilePending
	}))

	var first, second SetupPacket
	SetConfigurationSetup(&first, 1)
	SetConfigurationSetup(&second, 2)
	h.sim.Setup(first.Bytes())
	h.sim.Setup(second.Bytes())

	require.NoError(t, h.c.Start(t.Context()))

	r := h.transfer(ControlOut)
	assert.Equal(t, first.Bytes(), [SetupPacketSize]byte(r.Data()))

	n := h.next()
	assert.Equal(t, NotifyError, n.Kind)
	assert.ErrorIs(t, n.Err, pkg.ErrProtocol)
	assert.Equal(t, uint64(1), h.c.Stats().SetupsDropped)
}

func TestSetupNoBuffer(t *testing.T) {
	h := startHarness(t, withPool(2))
	hold, err := h.pool.Alloc(ControlOut, 1)
	require.NoError(t, err)

	var pkt SetupPacket
	VendorOutSetup(&pkt, 0x42, 4)
	h.sim.Setup(pkt.Bytes())

	// The SETUP itself fits but its data stage buffer does not.
	n := h.next()
	assert.Equal(t, NotifyError, n.Kind)
	assert.ErrorIs(t, n.Err, pkg.ErrNoBuffer)
	r := h.transfer(ControlOut)
	assert.True(t, r.IsSetup())
	assert.ErrorIs(t, r.Err, pkg.ErrNoBuffer)
	assert.Equal(t, StageSetup, h.c.Stage())
	h.pool.Free(r)
	h.pool.Free(hold)

	h.setup(pkt)
	assert.Equal(t, StageDataOut, h.c.Stage())
	assert.Equal(t, 2, h.pool.Outstanding())
}

func TestSetupNoBufferForSetupPacket(t *testing.T) {
	h := startHarness(t, withPool(1))
	hold, err := h.pool.Alloc(ControlOut, 1)
	require.NoError(t, err)

	var pkt SetupPacket
	SetConfigurationSetup(&pkt, 1)
	h.sim.Setup(pkt.Bytes())

	n := h.next()
	assert.Equal(t, NotifyError, n.Kind)
	assert.ErrorIs(t, n.Err, pkg.ErrNoBuffer)
	h.pool.Free(hold)
}

func TestSetupLostToOverflowIsRetried(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *Config) {
		cfg.EventQueueDepth = 1
		cfg.SetupPolicy = SetupDropWhilePending
	}))

	// Suspend takes the only slot and the SETUP behind it is lost.
	var pkt SetupPacket
	SetConfigurationSetup(&pkt, 1)
	h.sim.Suspend()
	h.sim.Setup(pkt.Bytes())
	assert.Equal(t, uint64(1), h.c.Stats().EventsDropped)

	require.NoError(t, h.c.Start(t.Context()))
	assert.Equal(t, NotifySuspend, h.next().Kind)
	n := h.next()
	assert.Equal(t, NotifyError, n.Kind)
	assert.ErrorIs(t, n.Err, pkg.ErrEventOverflow)

	h.setup(pkt)
	assert.Equal(t, StageNoData, h.c.Stage())
	assert.Zero(t, h.c.Stats().SetupsDropped)
	assert.Zero(t, h.c.Stats().ProtocolErrors)
}

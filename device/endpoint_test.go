package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

func TestEndpointAddress(t *testing.T) {
	tests := []struct {
		addr    EndpointAddress
		number  uint8
		in      bool
		control bool
		str     string
	}{
		{ControlOut, 0, false, true, "0x00"},
		{ControlIn, 0, true, true, "0x80"},
		{0x01, 1, false, false, "0x01"},
		{0x81, 1, true, false, "0x81"},
		{0x8F, 15, true, false, "0x8F"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.number, tt.addr.Number())
			assert.Equal(t, tt.in, tt.addr.IsIn())
			assert.Equal(t, tt.control, tt.addr.IsControl())
			assert.Equal(t, tt.str, tt.addr.String())
		})
	}
}

func TestEndpointIndexDistinct(t *testing.T) {
	seen := make(map[int]EndpointAddress)
	for n := uint8(0); n < 16; n++ {
		for _, dir := range []uint8{0x00, 0x80} {
			addr := EndpointAddress(n | dir)
			idx := addr.index()
			require.Less(t, idx, hal.MaxEndpointAddresses)
			_, dup := seen[idx]
			require.False(t, dup, "index %d reused by %s", idx, addr)
			seen[idx] = addr
		}
	}
}

func TestEndpointConfigBanks(t *testing.T) {
	cfg := EndpointConfig{Address: 0x81, Type: EndpointTypeBulk, MaxPacketSize: 64}
	assert.Equal(t, 1, cfg.banks())
	cfg.DoubleBuffered = true
	assert.Equal(t, 2, cfg.banks())

	h := cfg.hal()
	assert.Equal(t, uint8(0x81), h.Address)
	assert.Equal(t, uint16(64), h.MaxPacketSize)
	assert.Equal(t, 2, h.Banks)
}

func TestEndpointConfigValidate(t *testing.T) {
	for _, mps := range []uint16{8, 16, 32, 64, 128, 256, 512, 1023, 1024} {
		cfg := EndpointConfig{Address: 0x02, Type: EndpointTypeBulk, MaxPacketSize: mps}
		assert.NoError(t, cfg.validate(), "mps %d", mps)
	}
	for _, mps := range []uint16{0, 1, 7, 65, 2048} {
		cfg := EndpointConfig{Address: 0x02, Type: EndpointTypeBulk, MaxPacketSize: mps}
		assert.ErrorIs(t, cfg.validate(), pkg.ErrInvalidParameter, "mps %d", mps)
	}
}

func TestTransferTypeName(t *testing.T) {
	assert.Equal(t, "Control", TransferTypeName(EndpointTypeControl))
	assert.Equal(t, "Bulk", TransferTypeName(EndpointTypeBulk))
	assert.Equal(t, "Interrupt", TransferTypeName(EndpointTypeInterrupt))
	assert.Equal(t, "Isochronous", TransferTypeName(EndpointTypeIsochronous))
}

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

func TestBufferDescriptorOwnership(t *testing.T) {
	d := BufferDescriptor{Bank: hal.BankB}
	assert.Equal(t, OwnerSoftware, d.Owner)
	assert.ErrorIs(t, d.reclaim(0), pkg.ErrOwnership)

	region := make([]byte, 16)
	require.NoError(t, d.give(region))
	assert.Equal(t, OwnerHardware, d.Owner)
	assert.ErrorIs(t, d.give(region), pkg.ErrOwnership)

	require.NoError(t, d.reclaim(64))
	assert.Equal(t, OwnerSoftware, d.Owner)
	assert.Equal(t, 16, d.Count, "count clamps to the region")
	assert.Equal(t, "software", d.Owner.String())
	assert.Equal(t, "hardware", OwnerHardware.String())
}

func TestBankSetParity(t *testing.T) {
	single := newBankSet(1, 64)
	assert.Nil(t, single.desc[hal.BankA].mem)
	single.advance()
	assert.Equal(t, hal.BankA, single.parity)

	dual := newBankSet(2, 64)
	assert.Len(t, dual.desc[hal.BankA].mem, 64)
	assert.Len(t, dual.desc[hal.BankB].mem, 64)
	assert.True(t, dual.idle())

	dual.advance()
	assert.Equal(t, hal.BankB, dual.parity)
	require.NoError(t, dual.desc[hal.BankB].give(dual.desc[hal.BankB].mem))
	assert.False(t, dual.idle())

	dual.deferred = hal.BankA.Mask()
	dual.reset()
	assert.Equal(t, hal.BankA, dual.parity)
	assert.Zero(t, dual.deferred)
	assert.True(t, dual.idle())
	assert.Len(t, dual.desc[hal.BankB].mem, 64, "reset keeps bank memory")
}

//go:build !profile

package prof

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubSession(t *testing.T) {
	assert.False(t, Enabled)
	s, err := Start(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, s.Dir())
	assert.NoError(t, s.Stop())
}

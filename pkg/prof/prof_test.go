//go:build profile

package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionWritesProfiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s, err := Start(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	_, err = Start(t.TempDir())
	assert.ErrorIs(t, err, ErrActive)

	require.NoError(t, s.Stop())
	for _, name := range append([]string{"cpu"}, snapshots...) {
		info, err := os.Stat(filepath.Join(dir, name+".prof"))
		require.NoError(t, err, name)
		assert.NotZero(t, info.Size(), name)
	}

	// A second stop is harmless and a new session can start.
	assert.NoError(t, s.Stop())
	s, err = Start(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}

func TestStartBadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := Start(filepath.Join(file, "sub"))
	assert.Error(t, err)
}

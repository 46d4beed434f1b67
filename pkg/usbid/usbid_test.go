package usbid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#
# List of USB ID's
#
1209  Generic
	0001  pid.codes Test PID
	0002  Echo
		00  interface line
1d6b  Linux Foundation
	0002  2.0 root hub

# List of known device classes
C 00  (Defined at Interface level)
	01  not a product
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	tests := []struct {
		vid, pid        uint16
		vendor, product string
	}{
		{0x1209, 0x0001, "Generic", "pid.codes Test PID"},
		{0x1209, 0x0002, "Generic", "Echo"},
		{0x1d6b, 0x0002, "Linux Foundation", "2.0 root hub"},
		{0x1209, 0x00ff, "Generic", ""},
		{0xffff, 0x0001, "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.vendor, db.Vendor(tt.vid), "vendor %04x", tt.vid)
		assert.Equal(t, tt.product, db.Product(tt.vid, tt.pid), "product %04x:%04x", tt.vid, tt.pid)
	}

	vendors, products := db.Len()
	assert.Equal(t, 2, vendors)
	assert.Equal(t, 3, products)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	require.NoError(t, err)
	assert.Equal(t, "Generic", db.Vendor(0x1209))

	_, err = Open(filepath.Join(dir, "missing.ids"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	assert.Empty(t, db.Vendor(0x1209))
	assert.Empty(t, db.Product(0x1209, 1))
	v, p := db.Len()
	assert.Zero(t, v+p)
}

//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/rshim/host/pci"
	"github.com/ardnew/rshim/pkg"
)

func mkFunction(t *testing.T, root, name, vendor, device string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device"), []byte(device+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), make([]byte, 256), 0o644))
	return dir
}

func TestBus_Devices(t *testing.T) {
	root := t.TempDir()
	mkFunction(t, root, "0000:03:00.0", "0x15b3", "0x0211")
	mkFunction(t, root, "0000:04:00.0", "0x15b3", "0x0211")
	mkFunction(t, root, "0000:00:1f.3", "0x8086", "0xa348")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-device"), 0o755))

	bus := NewBus(root)

	all, err := bus.Devices(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bf, err := bus.Devices(func(id pci.ID) bool {
		return id == pci.ID{Vendor: 0x15b3, Device: 0x0211}
	})
	require.NoError(t, err)
	require.Len(t, bf, 2)
	assert.NotEqual(t, bf[0].Address(), bf[1].Address())
}

func TestBus_MissingRoot(t *testing.T) {
	_, err := NewBus(filepath.Join(t.TempDir(), "absent")).Devices(nil)
	require.Error(t, err)
}

func TestDevice_Config(t *testing.T) {
	root := t.TempDir()
	dir := mkFunction(t, root, "0000:03:00.0", "0x15b3", "0x0211")

	devs, err := NewBus(root).Devices(nil)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	d := devs[0]
	defer d.Close()

	require.NoError(t, d.WriteConfig32(0x58, 0xe38a0001))
	require.NoError(t, d.WriteConfig32(0x5c, 0x12345678))

	v, err := d.ReadConfig32(0x58)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xe38a0001), v)

	raw, err := os.ReadFile(filepath.Join(dir, "config"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, raw[0x5c:0x60])

	_, err = d.ReadConfig32(0x5a)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = d.ReadConfig32(0x100)
	require.ErrorIs(t, err, pkg.ErrShortTransfer)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

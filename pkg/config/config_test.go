package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/rshim/pkg"
)

func TestParse_Empty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse_Overrides(t *testing.T) {
	c, err := Parse([]byte(`
log:
  level: debug
allow:
  - usb-1-*
  - pcie-0-3-0-0
usb:
  timeout: 5s
  read_retries: 2
pcie:
  spin_limit: 1000
metrics:
  listen: 127.0.0.1:9100
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, slog.LevelDebug, c.Log.SlogLevel())
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, []string{"usb-1-*", "pcie-0-3-0-0"}, c.Allow)
	assert.Equal(t, 5*time.Second, c.USB.Timeout)
	assert.Equal(t, 2, c.USB.ReadRetries)
	assert.Equal(t, 5, c.USB.WriteRetries)
	assert.Equal(t, 1000, c.PCIe.SpinLimit)
	assert.Equal(t, "/sys/bus/pci/devices", c.PCIe.SysfsPath)
	assert.Equal(t, "127.0.0.1:9100", c.Metrics.Listen)
	assert.Equal(t, "/metrics", c.Metrics.Path)
}

func TestParse_ExplicitZero(t *testing.T) {
	c, err := Parse([]byte(`
usb:
  read_retries: 0
  write_retries: 0
pcie:
  spin_limit: 0
`))
	require.NoError(t, err)
	assert.Zero(t, c.USB.ReadRetries)
	assert.Zero(t, c.USB.WriteRetries)
	assert.Zero(t, c.PCIe.SpinLimit)
	assert.Equal(t, 20*time.Second, c.USB.Timeout)
}

func TestApply(t *testing.T) {
	c, err := Parse([]byte("log: {level: warn, format: json}\nusb: {read_retries: 0}"))
	require.NoError(t, err)

	require.NoError(t, c.Apply(Config{Log: Log{Level: "debug"}}))
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Zero(t, c.USB.ReadRetries)

	require.NoError(t, c.Apply(Config{}))
	assert.Equal(t, "debug", c.Log.Level)

	assert.ErrorIs(t, c.Apply(Config{Log: Log{Level: "loud"}}), pkg.ErrInvalidParameter)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"level", "log: {level: loud}"},
		{"format", "log: {format: xml}"},
		{"retries", "usb: {read_retries: -1}"},
		{"spin", "pcie: {spin_min: 1ms, spin_max: 1us}"},
		{"limit", "pcie: {spin_limit: -3}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.ErrorIs(t, err, pkg.ErrInvalidParameter)
		})
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("usb: [unterminated"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rshim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {format: json}\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, pkg.LogFormatJSON, c.Log.LogFormat())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

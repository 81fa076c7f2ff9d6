package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "netsim", cfg.Device.Hostname)
	assert.Equal(t, "192.168.1.10", cfg.Device.IP)
	assert.Equal(t, "255.255.255.0", cfg.Device.Mask)
	assert.Equal(t, 60*time.Second, cfg.Stack.TCP.MSL)
	assert.Equal(t, 48, cfg.Stack.Ping.PayloadSize)
	assert.Equal(t, time.Hour, cfg.Stack.IPSec.SALifetime)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsim.yaml")
	content := `
device:
  hostname: core-r1
  ip: 10.20.0.1
stack:
  tcp:
    msl: 5s
metrics:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "core-r1", cfg.Device.Hostname)
	assert.Equal(t, "10.20.0.1", cfg.Device.IP)
	assert.Equal(t, 5*time.Second, cfg.Stack.TCP.MSL)
	assert.True(t, cfg.Metrics.Enabled)

	// Untouched fields keep their defaults.
	assert.Equal(t, "255.255.255.0", cfg.Device.Mask)
	assert.Equal(t, 3, cfg.Stack.ARP.MaxRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDumpRoundTrips(t *testing.T) {
	out, err := Default().Dump()
	require.NoError(t, err)
	assert.Contains(t, out, "hostname: netsim")
	assert.Contains(t, out, "02:00:5e:00:10:01")
	assert.Contains(t, out, "metrics:")
}

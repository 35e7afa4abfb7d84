package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimStack(t *testing.T, profile string) *Stack {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	st, err := New(Config{Backend: BackendSim, SimProfile: profile, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	st.World.SetAdvertisingInterval(10 * time.Millisecond)
	return st
}

func TestBackends(t *testing.T) {
	backends := Backends()
	require.NotEmpty(t, backends)
	assert.Equal(t, BackendAuto, backends[0])
	assert.Contains(t, backends, BackendSim)
	assert.Contains(t, backends, DefaultBackend())
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "bluetooth-classic"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.ErrorContains(t, err, "bluetooth-classic")
}

func TestSimStackScanAndConnect(t *testing.T) {
	st := newSimStack(t, "")
	assert.Equal(t, BackendSim, st.Backend)
	require.NotNil(t, st.World)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, st.Scanner.Start(ctx, nil))
	require.Eventually(t, func() bool {
		_, ok := st.Scanner.Device("C0:FF:EE:00:00:01")
		return ok
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, st.Scanner.Stop())

	dev := st.NewDevice("C0:FF:EE:00:00:01")
	require.NoError(t, dev.Connect(ctx, nil))
	defer func() { _ = dev.Disconnect() }()

	conn := dev.GetConnection()
	require.NotNil(t, conn)
	c, err := conn.GetCharacteristic("180f", "2a19")
	require.NoError(t, err)
	v, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5a}, v)

	status, err := st.Permissions.Check(ctx, device.PermissionScan)
	require.NoError(t, err)
	assert.Equal(t, device.StatusGranted, status)
}

func TestStackCloseReleasesDevices(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	st, err := New(Config{Backend: BackendSim, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dev := st.NewDevice("C0:FF:EE:00:00:01")
	require.NoError(t, dev.Connect(ctx, nil))
	require.True(t, st.World.IsConnected("C0:FF:EE:00:00:01"))

	require.NoError(t, st.Close())
	assert.False(t, dev.IsConnected())
	assert.False(t, st.World.IsConnected("C0:FF:EE:00:00:01"))
	assert.ErrorContains(t, dev.Connect(ctx, nil), "closed")
	assert.ErrorContains(t, st.Scanner.Start(ctx, nil), "closed")
}

func TestSimStackFromProfileFile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "world.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
peripherals:
  - address: "AA:BB:CC:00:00:01"
    name: "Scale (sim)"
    services:
      - uuid: "181d"
        characteristics:
          - uuid: "2a9d"
            properties: "read,indicate"
            value: "02 e8 03"
`), 0o600))

	st := newSimStack(t, profile)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dev := st.NewDevice("AA:BB:CC:00:00:01")
	require.NoError(t, dev.Connect(ctx, nil))
	defer func() { _ = dev.Disconnect() }()
	c, err := dev.GetConnection().GetCharacteristic("181d", "2a9d")
	require.NoError(t, err)
	assert.Equal(t, device.PropRead|device.PropIndicate, c.GetProperties())
}

func TestSimProfileMissing(t *testing.T) {
	_, err := New(Config{Backend: BackendSim, SimProfile: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorContains(t, err, "failed to load sim profile")
}

package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/tinygo"
)

const (
	bluezBus             = "org.bluez"
	bluezAdapter1        = "org.bluez.Adapter1"
	bluezAdvertisingMgr1 = "org.bluez.LEAdvertisingManager1"
	dbusObjectManager    = "org.freedesktop.DBus.ObjectManager"
	dbusProperties       = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezBackend is the part of the BlueZ D-Bus API the permission manager needs.
type bluezBackend interface {
	ManagedObjects(ctx context.Context) (managedObjects, error)
	SetPowered(ctx context.Context, adapter dbus.ObjectPath, on bool) error
}

// systemBus talks to bluetoothd on the system bus.
type systemBus struct{}

func (systemBus) ManagedObjects(ctx context.Context) (managedObjects, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	var objects managedObjects
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (systemBus) SetPowered(ctx context.Context, adapter dbus.ObjectPath, on bool) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return conn.Object(bluezBus, adapter).
		CallWithContext(ctx, dbusProperties+".Set", 0, bluezAdapter1, "Powered", dbus.MakeVariant(on)).Err
}

// linuxPermissions checks BlueZ for an adapter and its power state and, for raw HCI
// access, the process capabilities.
type linuxPermissions struct {
	bus      bluezBackend
	needCaps bool
	caps     func() (bool, error)
	logger   *logrus.Logger
}

var _ device.PermissionManager = (*linuxPermissions)(nil)

func newLinuxPermissions(needCaps bool, logger *logrus.Logger) *linuxPermissions {
	return &linuxPermissions{
		bus:      systemBus{},
		needCaps: needCaps,
		caps:     hasHCICapabilities,
		logger:   logger,
	}
}

type bluezAdapter struct {
	path        dbus.ObjectPath
	powered     bool
	advertising bool
}

// adapter returns the first adapter BlueZ knows about, nil when there is none.
func (m *linuxPermissions) adapter(ctx context.Context) (*bluezAdapter, error) {
	objects, err := m.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, normalizeDBusError(err)
	}
	paths := make([]string, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezAdapter1]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)

	path := dbus.ObjectPath(paths[0])
	ifaces := objects[path]
	a := &bluezAdapter{path: path}
	if v, ok := ifaces[bluezAdapter1]["Powered"]; ok {
		a.powered, _ = v.Value().(bool)
	}
	_, a.advertising = ifaces[bluezAdvertisingMgr1]
	return a, nil
}

func (m *linuxPermissions) AdapterState(ctx context.Context) (device.AdapterState, error) {
	a, err := m.adapter(ctx)
	switch {
	case errors.Is(err, device.ErrAccessDenied):
		return device.AdapterUnauthorized, nil
	case errors.Is(err, device.ErrAdapterNotReady):
		// bluetoothd is not running.
		return device.AdapterUnsupported, nil
	case err != nil:
		return device.AdapterUnknown, err
	case a == nil:
		return device.AdapterUnsupported, nil
	case !a.powered:
		return device.AdapterPoweredOff, nil
	default:
		return device.AdapterPoweredOn, nil
	}
}

func (m *linuxPermissions) Check(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	if m.needCaps {
		ok, err := m.caps()
		if err != nil {
			return device.StatusUnknown, err
		}
		if !ok {
			return device.StatusDenied, nil
		}
		// Raw HCI bypasses bluetoothd; an absent daemon is fine.
		return device.StatusGranted, nil
	}

	a, err := m.adapter(ctx)
	switch {
	case errors.Is(err, device.ErrAccessDenied), errors.Is(err, device.ErrUnauthorized):
		return device.StatusDenied, nil
	case errors.Is(err, device.ErrAdapterNotReady):
		return device.StatusUnsupported, nil
	case err != nil:
		return device.StatusUnknown, err
	case a == nil:
		return device.StatusUnsupported, nil
	case p == device.PermissionAdvertise && !a.advertising:
		return device.StatusUnsupported, nil
	default:
		return device.StatusGranted, nil
	}
}

// Request powers the adapter on when BlueZ has it powered off, then checks again.
func (m *linuxPermissions) Request(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	if a, err := m.adapter(ctx); err == nil && a != nil && !a.powered {
		m.logger.WithField("adapter", a.path).Info("Powering on Bluetooth adapter")
		if err := m.bus.SetPowered(ctx, a.path, true); err != nil {
			m.logger.WithFields(logrus.Fields{"adapter": a.path, "error": err}).Warn("Failed to power on adapter")
			err = normalizeDBusError(err)
			if errors.Is(err, device.ErrAccessDenied) || errors.Is(err, device.ErrUnauthorized) {
				return device.StatusDenied, nil
			}
			return device.StatusUnknown, fmt.Errorf("failed to power on adapter: %w", err)
		}
	}
	return m.Check(ctx, p)
}

// normalizeDBusError puts the D-Bus error name into the message (godbus reports only the
// body) so the BlueZ error names can be matched.
func normalizeDBusError(err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		err = fmt.Errorf("%s: %w", dbusErr.Name, err)
	}
	return tinygo.NormalizeError(err)
}

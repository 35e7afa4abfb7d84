package sim

import (
	"context"
	"sync"

	"github.com/srg/bleplex/internal/device"
)

// Permissions is a scriptable permission manager. Every permission starts granted.
type Permissions struct {
	world *World

	mu       sync.Mutex
	statuses map[device.Permission]device.PermissionStatus
	requests int
}

var _ device.PermissionManager = (*Permissions)(nil)

func newPermissions(w *World) *Permissions {
	return &Permissions{
		world: w,
		statuses: map[device.Permission]device.PermissionStatus{
			device.PermissionScan:      device.StatusGranted,
			device.PermissionConnect:   device.StatusGranted,
			device.PermissionAdvertise: device.StatusGranted,
		},
	}
}

// SetStatus overrides what Check reports for p.
func (m *Permissions) SetStatus(p device.Permission, s device.PermissionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[p] = s
}

// Requests returns how many times Request was called.
func (m *Permissions) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *Permissions) Check(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return device.StatusUnknown, err
	}
	if m.adapter() == device.AdapterUnsupported {
		return device.StatusUnsupported, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[p], nil
}

// Request grants p if the user has not decided yet, like an OS prompt answered "allow".
func (m *Permissions) Request(ctx context.Context, p device.Permission) (device.PermissionStatus, error) {
	if err := ctx.Err(); err != nil {
		return device.StatusUnknown, err
	}
	if m.adapter() == device.AdapterUnsupported {
		return device.StatusUnsupported, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.statuses[p] == device.StatusUnknown {
		m.statuses[p] = device.StatusGranted
	}
	return m.statuses[p], nil
}

func (m *Permissions) AdapterState(ctx context.Context) (device.AdapterState, error) {
	if err := ctx.Err(); err != nil {
		return device.AdapterUnknown, err
	}
	return m.adapter(), nil
}

func (m *Permissions) adapter() device.AdapterState {
	m.world.mu.RLock()
	defer m.world.mu.RUnlock()
	return m.world.adapter
}

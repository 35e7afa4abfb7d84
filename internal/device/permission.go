package device

import "context"

// Permission is an OS-level Bluetooth capability an application may need.
type Permission int

const (
	PermissionScan Permission = iota
	PermissionConnect
	PermissionAdvertise
)

func (p Permission) String() string {
	switch p {
	case PermissionScan:
		return "scan"
	case PermissionConnect:
		return "connect"
	case PermissionAdvertise:
		return "advertise"
	default:
		return "unknown"
	}
}

// ParsePermission is the inverse of Permission.String.
func ParsePermission(s string) (Permission, bool) {
	for _, p := range []Permission{PermissionScan, PermissionConnect, PermissionAdvertise} {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// PermissionStatus is the answer to a permission check.
type PermissionStatus int

const (
	StatusUnknown PermissionStatus = iota
	StatusGranted
	StatusDenied
	StatusRestricted
	StatusUnsupported
)

func (s PermissionStatus) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	case StatusRestricted:
		return "restricted"
	case StatusUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// PermissionManager checks and requests Bluetooth permissions and reports adapter state.
type PermissionManager interface {
	Check(ctx context.Context, p Permission) (PermissionStatus, error)
	// Request asks the OS for p where the platform has a way to do so; elsewhere it is
	// equivalent to Check.
	Request(ctx context.Context, p Permission) (PermissionStatus, error)
	AdapterState(ctx context.Context) (AdapterState, error)
}

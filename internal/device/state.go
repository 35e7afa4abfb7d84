package device

// AdapterState is the power/authorization state of the local Bluetooth adapter.
// Values match CoreBluetooth's manager state so native codes convert directly.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Err returns the error an operation attempted in this adapter state fails with,
// nil when the adapter is usable.
func (s AdapterState) Err() error {
	switch s {
	case AdapterPoweredOn:
		return nil
	case AdapterPoweredOff:
		return ErrBluetoothOff
	case AdapterUnauthorized:
		return ErrUnauthorized
	case AdapterUnsupported:
		return ErrUnsupported
	default:
		return ErrAdapterNotReady
	}
}

// DeviceState is the connection state of a remote device.
type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
	Disconnecting
)

func (s DeviceState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// RunState is the lifecycle state shared by scanners and broadcasters.
type RunState int

const (
	Stopped RunState = iota
	Starting
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

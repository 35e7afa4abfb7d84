package device

import "time"

// EventKind identifies the concrete type behind an Event.
type EventKind int

const (
	KindAdapterStateChanged EventKind = iota
	KindScanStateChanged
	KindDeviceDiscovered
	KindDeviceStateChanged
	KindValueChanged
	KindBroadcastStateChanged
	KindCentralSubscribed
	KindCentralUnsubscribed
	KindReadRequested
	KindWriteReceived
)

// Event is delivered to listeners registered on scanners, devices and broadcasters.
// Listeners are invoked asynchronously, in emission order, never from a native callback.
type Event interface {
	Kind() EventKind
}

// Listener receives events.
type Listener func(Event)

type AdapterStateChanged struct {
	State AdapterState
}

type ScanStateChanged struct {
	State RunState
	// Err is set when the scan stopped because of a failure.
	Err error
}

type DeviceDiscovered struct {
	Device Device
	// New is false when an already known device was refreshed by another advertisement.
	New bool
}

type DeviceStateChanged struct {
	Address string
	State   DeviceState
	// Cause is set for disconnects the caller did not ask for.
	Cause error
}

type ValueChanged struct {
	Address     string
	ServiceUUID string
	CharUUID    string
	Value       []byte
	Timestamp   time.Time
}

type BroadcastStateChanged struct {
	State RunState
	Err   error
}

type CentralSubscribed struct {
	Central     string
	ServiceUUID string
	CharUUID    string
}

type CentralUnsubscribed struct {
	Central     string
	ServiceUUID string
	CharUUID    string
}

type ReadRequested struct {
	Central     string
	ServiceUUID string
	CharUUID    string
	Offset      int
}

type WriteReceived struct {
	Central      string
	ServiceUUID  string
	CharUUID     string
	Value        []byte
	WithResponse bool
}

func (AdapterStateChanged) Kind() EventKind   { return KindAdapterStateChanged }
func (ScanStateChanged) Kind() EventKind      { return KindScanStateChanged }
func (DeviceDiscovered) Kind() EventKind      { return KindDeviceDiscovered }
func (DeviceStateChanged) Kind() EventKind    { return KindDeviceStateChanged }
func (ValueChanged) Kind() EventKind          { return KindValueChanged }
func (BroadcastStateChanged) Kind() EventKind { return KindBroadcastStateChanged }
func (CentralSubscribed) Kind() EventKind     { return KindCentralSubscribed }
func (CentralUnsubscribed) Kind() EventKind   { return KindCentralUnsubscribed }
func (ReadRequested) Kind() EventKind         { return KindReadRequested }
func (WriteReceived) Kind() EventKind         { return KindWriteReceived }

package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic", "descriptor"
	UUIDs    []string // [service], [service, characteristic] or [characteristic, descriptor]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parent := "service"
	if e.Resource == "descriptor" {
		parent = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parent, e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is compares ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// StateError is returned when an operation is not valid in a component's current
// lifecycle state, e.g. starting a scanner that is still stopping.
type StateError struct {
	Component string
	Op        string
	State     fmt.Stringer
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s while %s", e.Component, e.Op, e.State)
}

// Operation and adapter errors
var (
	ErrTimeout         = errors.New("timeout")
	ErrUnsupported     = errors.New("unsupported")
	ErrBluetoothOff    = errors.New("bluetooth is turned off")
	ErrUnauthorized    = errors.New("bluetooth access not authorized")
	ErrAdapterNotReady = errors.New("bluetooth adapter not ready")

	ErrNotSupportedByCharacteristic = errors.New("operation not supported by characteristic")
)

// Errors reported by the remote GATT server (or the local stack on its behalf).
var (
	ErrInvalidHandle              = errors.New("invalid handle")
	ErrReadNotPermitted           = errors.New("read not permitted")
	ErrWriteNotPermitted          = errors.New("write not permitted")
	ErrInvalidPDU                 = errors.New("invalid pdu")
	ErrInsufficientAuthentication = errors.New("insufficient authentication")
	ErrRequestNotSupported        = errors.New("request not supported")
	ErrInvalidOffset              = errors.New("invalid offset")
	ErrInsufficientAuthorization  = errors.New("insufficient authorization")
	ErrPrepareQueueFull           = errors.New("prepare queue full")
	ErrAttributeNotFound          = errors.New("attribute not found")
	ErrAttributeNotLong           = errors.New("attribute not long")
	ErrInsufficientKeySize        = errors.New("insufficient encryption key size")
	ErrInvalidAttributeLength     = errors.New("invalid attribute value length")
	ErrInsufficientEncryption     = errors.New("insufficient encryption")
	ErrUnsupportedGroupType       = errors.New("unsupported group type")
	ErrInsufficientResources      = errors.New("insufficient resources")
	ErrConnectionCongested        = errors.New("connection congested")
	ErrGattFailure                = errors.New("gatt failure")

	ErrUnreachable  = errors.New("device unreachable")
	ErrAccessDenied = errors.New("access denied")
)

var attSentinels = map[byte]error{
	0x01: ErrInvalidHandle,
	0x02: ErrReadNotPermitted,
	0x03: ErrWriteNotPermitted,
	0x04: ErrInvalidPDU,
	0x05: ErrInsufficientAuthentication,
	0x06: ErrRequestNotSupported,
	0x07: ErrInvalidOffset,
	0x08: ErrInsufficientAuthorization,
	0x09: ErrPrepareQueueFull,
	0x0a: ErrAttributeNotFound,
	0x0b: ErrAttributeNotLong,
	0x0c: ErrInsufficientKeySize,
	0x0d: ErrInvalidAttributeLength,
	0x0e: ErrGattFailure,
	0x0f: ErrInsufficientEncryption,
	0x10: ErrUnsupportedGroupType,
	0x11: ErrInsufficientResources,
	0x85: ErrGattFailure, // Android GATT_ERROR
	0x8f: ErrConnectionCongested,
}

// ATTError is an ATT protocol status code. It unwraps to the matching sentinel so
// callers branch with errors.Is(err, device.ErrReadNotPermitted).
type ATTError struct {
	Code byte
}

func (e *ATTError) Error() string {
	if s, ok := attSentinels[e.Code]; ok {
		return fmt.Sprintf("att error 0x%02x: %v", e.Code, s)
	}
	return fmt.Sprintf("att error 0x%02x", e.Code)
}

func (e *ATTError) Unwrap() error {
	if s, ok := attSentinels[e.Code]; ok {
		return s
	}
	return ErrGattFailure
}

// ATTCode returns the ATT status a GATT server should answer with for err.
// Errors that carry no ATT code answer "unlikely error" (0x0e).
func ATTCode(err error) byte {
	if err == nil {
		return 0
	}
	var attErr *ATTError
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	for code, sentinel := range attSentinels {
		if code < 0x80 && errors.Is(err, sentinel) {
			return code
		}
	}
	return 0x0e
}

// FromATTCode maps an ATT status (also used verbatim by Android's BluetoothGatt callbacks)
// to an error; success maps to nil.
func FromATTCode(code int) error {
	switch {
	case code == 0:
		return nil
	case code == 0x101: // Android GATT_FAILURE
		return fmt.Errorf("gatt status 0x%x: %w", code, ErrGattFailure)
	case code < 0 || code > 0xff:
		return fmt.Errorf("gatt status %d: %w", code, ErrGattFailure)
	default:
		return &ATTError{Code: byte(code)}
	}
}

// FromCoreBluetoothError maps a CBError code to an error.
func FromCoreBluetoothError(code int) error {
	var sentinel error
	switch code {
	case 1: // invalid parameters
		sentinel = ErrRequestNotSupported
	case 2:
		sentinel = ErrInvalidHandle
	case 3, 7: // not connected, peripheral disconnected
		sentinel = ErrNotConnected
	case 6, 15: // connection timeout, encryption timed out
		sentinel = ErrTimeout
	case 8, 13: // UUID not allowed, operation not supported
		sentinel = ErrUnsupported
	case 9:
		sentinel = ErrAlreadyConnected
	case 10, 11, 12: // connection failed, limit reached, unknown device
		sentinel = ErrUnreachable
	case 14, 16:
		sentinel = ErrInsufficientAuthentication
	default:
		sentinel = ErrGattFailure
	}
	return fmt.Errorf("corebluetooth error %d: %w", code, sentinel)
}

// FromWinRTStatus maps a GattCommunicationStatus to an error. A protocol error carries
// its ATT code separately; pass it as attCode.
func FromWinRTStatus(status int, attCode byte) error {
	switch status {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("gatt communication status unreachable: %w", ErrUnreachable)
	case 2:
		if attCode != 0 {
			return &ATTError{Code: attCode}
		}
		return fmt.Errorf("gatt communication status protocol error: %w", ErrGattFailure)
	case 3:
		return fmt.Errorf("gatt communication status access denied: %w", ErrAccessDenied)
	default:
		return fmt.Errorf("gatt communication status %d: %w", status, ErrGattFailure)
	}
}

// ContainsIgnoreCase checks substring case-insensitively. Backends match native error
// text with it.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

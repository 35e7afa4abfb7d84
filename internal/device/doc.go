// Package device defines the cross-platform Bluetooth Low Energy contract: the interfaces
// every backend implements, the lifecycle state enums, event types delivered to listeners,
// option structs, GATT server definitions and the error vocabulary native status codes are
// mapped onto.
//
// Concrete behaviour lives elsewhere:
//   - internal/device/base holds the shared lifecycle state machines
//   - internal/device/goble, internal/device/tinygo and internal/device/sim implement
//     the native hooks those state machines forward to
//   - internal/access layers typed, reference-counted characteristic access on top
package device

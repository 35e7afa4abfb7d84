package platform

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device/goble"
	"github.com/srg/bleplex/internal/device/tinygo"
)

// BlueZ is the system Bluetooth service; tinygo talks to it without extra privileges.
func defaultBackend() string { return BackendTinyGo }

func osBackends() []string { return []string{BackendGoBLE, BackendTinyGo} }

func openNative(name string, logger *logrus.Logger) (*natives, error) {
	switch name {
	case BackendGoBLE:
		b := goble.New(logger)
		return &natives{
			scanner:     b,
			connector:   b,
			broadcaster: goble.NewBroadcaster(b),
			// Raw HCI sockets need CAP_NET_ADMIN and CAP_NET_RAW on top of an adapter.
			permissions: newLinuxPermissions(true, logger),
			close:       b.Close,
		}, nil
	case BackendTinyGo:
		b := tinygo.New(logger)
		return &natives{
			scanner:     b,
			connector:   b,
			broadcaster: tinygo.NewBroadcaster(b),
			permissions: newLinuxPermissions(false, logger),
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
}

package platform

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device/goble"
)

func defaultBackend() string { return BackendGoBLE }

func osBackends() []string { return []string{BackendGoBLE} }

func openNative(name string, logger *logrus.Logger) (*natives, error) {
	if name != BackendGoBLE {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	b := goble.New(logger)
	return &natives{
		scanner:     b,
		connector:   b,
		broadcaster: goble.NewBroadcaster(b),
		// CoreBluetooth asks the user on first use of the central manager; opening the
		// device is both the check and the request.
		permissions: &openPermissions{
			open: func() error {
				_, err := b.Device()
				return err
			},
			advertise: true,
		},
		close: b.Close,
	}, nil
}

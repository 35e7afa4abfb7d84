package platform

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device/tinygo"
)

func defaultBackend() string { return BackendTinyGo }

func osBackends() []string { return []string{BackendTinyGo} }

func openNative(name string, logger *logrus.Logger) (*natives, error) {
	if name != BackendTinyGo {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	b := tinygo.New(logger)
	return &natives{
		scanner:     b,
		connector:   b,
		broadcaster: tinygo.NewBroadcaster(b),
		permissions: &openPermissions{open: b.Enable, advertise: true},
	}, nil
}

package sim

import (
	_ "embed"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/gattprofile"
)

// DemoProfile is the built-in profile: a heart rate monitor, a Nordic UART peripheral
// and a non-connectable thermometer beacon.
//
//go:embed profiles/demo.yaml
var DemoProfile []byte

// NewDemoWorld returns a world populated from DemoProfile.
func NewDemoWorld(logger *logrus.Logger) (*World, error) {
	f, err := gattprofile.Parse(DemoProfile)
	if err != nil {
		return nil, err
	}
	return NewWorldFromProfile(f, logger)
}

// Package platform assembles the BLE stack for the running OS: it picks a native
// backend, wraps it in the base state machines and pairs it with the matching
// permission manager.
package platform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/device/base"
	"github.com/srg/bleplex/internal/device/sim"
	"github.com/srg/bleplex/internal/gattprofile"
)

const (
	BackendAuto   = "auto"
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
	BackendSim    = "sim"
)

// ErrUnknownBackend is returned for backend names this build does not support.
var ErrUnknownBackend = errors.New("unknown backend")

// Config selects and configures the backend.
type Config struct {
	// Backend is one of the Backend* names. Empty means auto.
	Backend string
	// SimProfile is a GATT profile file populating the sim world. Empty loads the
	// built-in demo profile.
	SimProfile string
	// SimWorld, when set, is used as the sim backend instead of loading a profile.
	SimWorld *sim.World
	Logger   *logrus.Logger
}

// natives is what an OS-specific opener hands back.
type natives struct {
	scanner     base.NativeScanner
	connector   base.NativeConnector
	broadcaster base.NativeBroadcaster
	permissions device.PermissionManager
	close       func() error
}

// Stack is a ready-to-use BLE stack.
type Stack struct {
	Backend     string
	Scanner     *base.Scanner
	Broadcaster *base.Broadcaster
	Permissions device.PermissionManager
	// World is the simulated environment when Backend is sim, nil otherwise.
	World *sim.World

	connector base.NativeConnector
	logger    *logrus.Logger
	close     func() error

	mu      sync.Mutex
	devices []*base.Device
}

// Backends lists the backend names usable on this OS, auto first.
func Backends() []string {
	return append([]string{BackendAuto}, append(osBackends(), BackendSim)...)
}

// DefaultBackend is the backend auto resolves to on this OS.
func DefaultBackend() string {
	return defaultBackend()
}

// New opens the configured backend.
func New(cfg Config) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	name := cfg.Backend
	if name == "" || name == BackendAuto {
		name = defaultBackend()
	}
	if !lo.Contains(Backends(), name) {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, cfg.Backend, Backends())
	}

	var (
		n     *natives
		world *sim.World
		err   error
	)
	if name == BackendSim {
		if world = cfg.SimWorld; world == nil {
			if world, err = openWorld(cfg.SimProfile, logger); err != nil {
				return nil, err
			}
		}
		n = &natives{
			scanner:     world,
			connector:   world,
			broadcaster: world.Broadcaster(),
			permissions: world.Permissions(),
		}
	} else if n, err = openNative(name, logger); err != nil {
		return nil, err
	}

	logger.WithField("backend", name).Debug("BLE stack opened")
	return &Stack{
		Backend:     name,
		Scanner:     base.NewScanner(n.scanner, n.connector, logger),
		Broadcaster: base.NewBroadcaster(n.broadcaster, logger),
		Permissions: n.permissions,
		World:       world,
		connector:   n.connector,
		logger:      logger,
		close:       n.close,
	}, nil
}

func openWorld(profile string, logger *logrus.Logger) (*sim.World, error) {
	if profile == "" {
		return sim.NewDemoWorld(logger)
	}
	f, err := gattprofile.Load(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load sim profile: %w", err)
	}
	return sim.NewWorldFromProfile(f, logger)
}

// NewDevice returns a disconnected device handle for address. Close releases it.
func (s *Stack) NewDevice(address string) *base.Device {
	d := base.NewDevice(address, s.connector, s.logger)
	s.mu.Lock()
	s.devices = append(s.devices, d)
	s.mu.Unlock()
	return d
}

// Close stops scanning and advertising, closes every device the stack handed out and
// releases the native stack.
func (s *Stack) Close() error {
	var errs []error
	if err := s.Scanner.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Broadcaster.Close(); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	devices := s.devices
	s.devices = nil
	s.mu.Unlock()
	for _, d := range devices {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.close != nil {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

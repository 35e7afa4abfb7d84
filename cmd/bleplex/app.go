package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/platform"
	"github.com/srg/bleplex/pkg/config"
)

// app carries the global flags and what they resolve to.
type app struct {
	configPath string
	logLevel   string
	verbose    bool
	backend    string
	simProfile string

	cfg    *config.Config
	logger *logrus.Logger
}

// openStack is replaced in tests.
var openStack = platform.New

// init runs before every command: config file first, then flags on top of it.
func (a *app) init(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.simProfile != "" {
		cfg.SimProfile = a.simProfile
		if a.backend == "" {
			cfg.Backend = platform.BackendSim
		}
	}

	logger, err := configureLogger(a.logLevel, a.verbose, cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger

	logger.WithFields(logrus.Fields{
		"command": cmd.Name(),
		"backend": cfg.Backend,
	}).Debug("Configuration loaded")
	return nil
}

// stack opens the configured backend. The caller closes it.
func (a *app) stack() (*platform.Stack, error) {
	s, err := openStack(platform.Config{
		Backend:    a.cfg.Backend,
		SimProfile: a.cfg.SimProfile,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE stack: %w", err)
	}
	return s, nil
}

func closeStack(s *platform.Stack, logger *logrus.Logger) {
	if err := s.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close BLE stack")
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// configureLogger picks the level from --log-level, then --verbose, then the config file.
// With none of them set the logger stays silent (panic level) so it does not interleave
// with command output.
func configureLogger(flagLevel string, verbose bool, configLevel string) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	switch {
	case flagLevel != "":
		switch flagLevel {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", flagLevel)
		}
	case verbose:
		logLevel = logrus.DebugLevel
	case configLevel != "":
		lvl, err := logrus.ParseLevel(configLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level in config: %w", err)
		}
		logLevel = lvl
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

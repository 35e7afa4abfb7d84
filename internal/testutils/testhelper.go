package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a helper with a logger that is quiet unless tests run with -v.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if testing.Verbose() {
		logger.SetLevel(logrus.DebugLevel)
	}
	return &TestHelper{T: t, Logger: logger}
}

// ProjectRoot walks up from the working directory to the directory holding go.mod.
func ProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		dir = parent
	}
}

// LoadFixture reads a file given relative to the project root.
func LoadFixture(relPath string) ([]byte, error) {
	root, err := ProjectRoot()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", relPath, err)
	}
	return data, nil
}

// Package scanner runs timed and continuous discovery sessions on top of a device
// scanner and shapes the results for display.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

const (
	PhaseScanning   = "Scanning"
	PhaseProcessing = "Processing results"
)

// Source is a scanner whose sessions can be awaited.
type Source interface {
	device.Scanner
	Done() <-chan struct{}
}

// Scan runs one session and returns the devices seen during it, strongest signal
// first. It returns when opts.Duration elapses or ctx ends; an interrupted scan still
// returns what it found.
func Scan(ctx context.Context, s Source, opts *device.ScanOptions, progress ProgressCallback, logger *logrus.Logger) ([]device.Device, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if logger == nil {
		logger = logrus.New()
	}

	started := time.Now()
	progress(PhaseScanning)
	if err := s.Start(ctx, opts); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-sessionDone(s):
	}
	if err := s.Stop(); err != nil {
		logger.WithError(err).Warn("Failed to stop scan")
	}

	progress(PhaseProcessing)
	devices := Since(s.Devices(), started)
	logger.WithField("device_count", len(devices)).Debug("Scan results collected")

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return devices, err
	}
	return devices, nil
}

// Watch scans until ctx ends or the session's Duration elapses. update receives the
// current device list at most once per interval, only when a discovery arrived since the
// previous call, and once more at the end. Devices that stop advertising stay listed
// with their last-seen time.
func Watch(ctx context.Context, s Source, opts *device.ScanOptions, interval time.Duration, update func([]device.Device)) error {
	started := time.Now()

	var mu sync.Mutex
	dirty := true
	remove := s.AddListener(func(ev device.Event) {
		if _, ok := ev.(device.DeviceDiscovered); ok {
			mu.Lock()
			dirty = true
			mu.Unlock()
		}
	})
	defer remove()

	if err := s.Start(ctx, opts); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer func() { _ = s.Stop() }()

	done := sessionDone(s)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			update(Since(s.Devices(), started))
			return nil
		case <-done:
			update(Since(s.Devices(), started))
			return nil
		case <-ticker.C:
			mu.Lock()
			changed := dirty
			dirty = false
			mu.Unlock()
			if changed {
				update(Since(s.Devices(), started))
			}
		}
	}
}

// sessionDone never returns nil: a session that already ended yields a closed channel.
func sessionDone(s Source) <-chan struct{} {
	if done := s.Done(); done != nil {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Since keeps the devices seen at or after t and sorts them by RSSI, strongest first,
// then by name and address.
func Since(devices []device.Device, t time.Time) []device.Device {
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if !d.LastSeen().Before(t) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RSSI() != b.RSSI() {
			return a.RSSI() > b.RSSI()
		}
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		return a.Address() < b.Address()
	})
	return out
}

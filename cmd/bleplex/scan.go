package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/scanner"
	"github.com/srg/bleplex/pkg/config"
)

type scanFlags struct {
	duration   time.Duration
	format     string
	services   []string
	allow      []string
	block      []string
	duplicates bool
	minRSSI    int
	watch      bool
	interval   time.Duration
}

func newScanCmd(a *app) *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their names, addresses, RSSI values and
advertised services, strongest signal first.

Examples:
  # Scan for 5 seconds and print JSON
  bleplex scan -d 5s -f json

  # Only devices advertising the Heart Rate service
  bleplex scan --services 180d

  # Live view until Ctrl+C
  bleplex scan --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, a, f)
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default from config, 10s; with --watch, until Ctrl+C)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output format (table, json; default from config)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&f.duplicates, "duplicates", false, "Report every advertisement, not only the first per device")
	cmd.Flags().IntVar(&f.minRSSI, "min-rssi", 0, "Hide devices weaker than this RSSI (dBm)")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Continuously scan and update results")
	cmd.Flags().DurationVar(&f.interval, "refresh", time.Second, "Table refresh interval for --watch")
	return cmd
}

func runScan(cmd *cobra.Command, a *app, f *scanFlags) error {
	format := lo.Ternary(f.format != "", f.format, a.cfg.OutputFormat)
	if !lo.Contains(config.OutputFormats, format) {
		return fmt.Errorf("invalid format '%s': must be one of %v", format, config.OutputFormats)
	}
	opts := a.cfg.ScanOptions()
	if len(f.services) > 0 {
		uuids, err := device.ValidateUUID(f.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	opts.AllowList = f.allow
	opts.BlockList = f.block
	opts.MinRSSI = f.minRSSI
	if cmd.Flags().Changed("duplicates") {
		opts.AllowDuplicates = f.duplicates
	}
	switch {
	case f.duration > 0:
		opts.Duration = f.duration
	case f.watch:
		opts.Duration = 0
	}
	if f.interval <= 0 {
		return fmt.Errorf("--refresh must be positive")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	out := cmd.OutOrStdout()
	write := func(devices []device.Device) error {
		if format == "json" {
			return scanner.WriteJSON(out, devices)
		}
		return scanner.WriteTable(out, devices, time.Now())
	}

	ctx := cmd.Context()
	if f.watch {
		var (
			last     []device.Device
			writeErr error
		)
		err := scanner.Watch(ctx, stack.Scanner, opts, f.interval, func(devices []device.Device) {
			last = devices
			if format == "table" {
				clearScreen(out)
				writeErr = errors.Join(writeErr, write(devices))
			}
		})
		if err != nil {
			return err
		}
		if format == "json" {
			// A JSON document is printed once, when watching ends.
			return write(last)
		}
		return writeErr
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", scanner.PhaseScanning, opts.Duration, scanner.PhaseProcessing)
	progress.Start()
	defer progress.Stop()

	devices, err := scanner.Scan(ctx, stack.Scanner, opts, progress.Callback(), a.logger)
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Error("scan failed")
		return err
	}
	return write(devices)
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/inspector"
)

type inspectFlags struct {
	connectTimeout    time.Duration
	descriptorTimeout time.Duration
	skipDescriptors   bool
	json              bool
	readLimit         int
	readTimeout       time.Duration
}

func newInspectCmd(a *app) *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics, and descriptors of a BLE device",
		Long: fmt.Sprintf(`Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. Attempts to read characteristic values when possible.

Examples:
  bleplex inspect %s
  bleplex inspect %s --json --read-limit 0

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, a, f, args[0])
		},
	}
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 0, "Connection timeout (default from config, 30s)")
	cmd.Flags().DurationVar(&f.descriptorTimeout, "descriptor-timeout", 0, "Timeout for each descriptor read (default from config, 2s)")
	cmd.Flags().BoolVar(&f.skipDescriptors, "skip-descriptors", false, "Do not read descriptor values")
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&f.readLimit, "read-limit", 64, "Max bytes to read from readable characteristics (0 to disable reads)")
	cmd.Flags().DurationVar(&f.readTimeout, "read-timeout", 2*time.Second, "Timeout for each characteristic read")
	return cmd
}

// connectOptions applies the connection flags shared by device commands on top of the config.
func (a *app) connectOptions(connectTimeout, descriptorTimeout time.Duration, skipDescriptors bool) *device.ConnectOptions {
	opts := a.cfg.ConnectOptions()
	if connectTimeout > 0 {
		opts.ConnectTimeout = connectTimeout
	}
	if descriptorTimeout > 0 {
		opts.DescriptorReadTimeout = descriptorTimeout
	}
	opts.SkipDescriptorReads = skipDescriptors
	return opts
}

func runInspect(cmd *cobra.Command, a *app, f *inspectFlags, address string) error {
	if f.readLimit < 0 {
		return fmt.Errorf("--read-limit must not be negative")
	}
	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	ctx := cmd.Context()
	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	opts := a.connectOptions(f.connectTimeout, f.descriptorTimeout, f.skipDescriptors)
	report, err := inspector.InspectDevice(ctx, stack, address, opts, a.logger, progress.Callback(),
		func(dev device.Device) (*inspector.Report, error) {
			return inspector.BuildReport(ctx, dev, &inspector.ReportOptions{
				ReadLimit:   f.readLimit,
				ReadTimeout: f.readTimeout,
			})
		})
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.json {
		return report.WriteJSON(out)
	}
	return report.WriteText(out, isTerminal(out))
}

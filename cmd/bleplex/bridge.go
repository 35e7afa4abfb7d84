//go:build !windows

package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/bridge"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/inspector"
)

func init() {
	platformCommands = append(platformCommands, newBridgeCmd)
}

type bridgeFlags struct {
	service        string
	tx             string
	rx             string
	withResponse   bool
	chunkSize      int
	symlink        string
	connectTimeout time.Duration
}

func newBridgeCmd(a *app) *cobra.Command {
	f := &bridgeFlags{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Create a PTY bridge to a BLE device",
		Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to communicate with BLE devices.

The bridge creates a virtual serial device (e.g., /dev/ttys001) that applications
can connect to. Data written to the PTY is sent to the device's TX characteristic,
and notifications from the RX characteristic are written back to the PTY. The
Nordic UART Service is used unless --service, --tx and --rx say otherwise.

Examples:
  bleplex bridge %s
  bleplex bridge %s --symlink /tmp/ble-uart
  bleplex bridge %s --service ffe0 --tx ffe1 --rx ffe1

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, a, f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.service, "service", bridge.NUSService, "UART service UUID")
	cmd.Flags().StringVar(&f.tx, "tx", bridge.NUSTX, "Characteristic the bridge writes terminal input to")
	cmd.Flags().StringVar(&f.rx, "rx", bridge.NUSRX, "Characteristic whose notifications go to the terminal")
	cmd.Flags().BoolVar(&f.withResponse, "with-response", false, "Use write requests instead of write commands")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "Max bytes per write (0 derives it from the MTU)")
	cmd.Flags().StringVar(&f.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
	cmd.Flags().DurationVar(&f.connectTimeout, "connect-timeout", 0, "Connection timeout (default from config)")
	return cmd
}

// bridgeOptions validates the UUID flags and builds the bridge options.
func (f *bridgeFlags) bridgeOptions(logger *logrus.Logger) (*bridge.Options, error) {
	uuids, err := device.ValidateUUID(f.service, f.tx, f.rx)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if f.chunkSize < 0 {
		return nil, fmt.Errorf("--chunk-size must not be negative")
	}
	return &bridge.Options{
		ServiceUUID:  uuids[0],
		TXUUID:       uuids[1],
		RXUUID:       uuids[2],
		WithResponse: f.withResponse,
		ChunkSize:    f.chunkSize,
		Symlink:      f.symlink,
		Logger:       logger,
	}, nil
}

func runBridge(cmd *cobra.Command, a *app, f *bridgeFlags, address string) error {
	opts, err := f.bridgeOptions(a.logger)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	ctx := cmd.Context()
	errOut := cmd.ErrOrStderr()

	progress := NewProgressPrinter(errOut, fmt.Sprintf("Starting bridge for %s", address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, stack, address, a.connectOptions(f.connectTimeout, 0, false), a.logger, progress.Callback(),
		func(dev device.Device) (struct{}, error) {
			progress.Stop()

			svc := access.NewService(dev, a.logger)
			defer svc.Close()

			b, err := bridge.Start(ctx, svc, opts)
			if err != nil {
				return struct{}{}, err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", b.TTYName())
			if link := b.Symlink(); link != "" {
				fmt.Fprintf(errOut, "Symlink %s -> %s\n", link, b.TTYName())
			}
			fmt.Fprintf(errOut, "Bridging %s to %s. Press Ctrl+C to stop...\n", address, b.TTYName())

			<-ctx.Done()
			a.logger.Info("Bridge shutting down...")
			closeErr := b.Close()

			st := b.Stats()
			fmt.Fprintf(errOut, "Bridge closed: %d bytes to device, %d bytes from device", st.ToDevice, st.FromDevice)
			if dropped := st.DroppedToDevice + st.DroppedFromDevice; dropped > 0 {
				fmt.Fprintf(errOut, ", %d bytes dropped", dropped)
			}
			fmt.Fprintln(errOut)
			return struct{}{}, closeErr
		})
	return err
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/inspector"
)

type writeFlags struct {
	service    string
	char       string
	desc       string
	hex        bool
	codec      string
	noResponse bool
	chunk      int
	timeout    time.Duration
}

func newWriteCmd(a *app) *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> [uuid] <data>",
		Short: "Write to a characteristic or descriptor",
		Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Examples:
  # Write to characteristic (string data)
  bleplex write %s 2a06 "high"

  # Write hex data
  bleplex write %s 2a06 01 --hex

  # Write a typed value
  bleplex write %s 2a39 1 --codec uint8

  # Write to descriptor (enable notifications)
  bleplex write %s --service 180d --char 2a37 --desc 2902 0100 --hex

  # Write without response (faster, no ACK)
  bleplex write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, a, f, args)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.char, "char", "", "Characteristic UUID")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw string bytes by default")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Encode the input with a named codec (e.g. uint8, uint16le, float)")
	cmd.Flags().BoolVar(&f.noResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	cmd.Flags().IntVar(&f.chunk, "chunk", 0, "Split the write into N-byte chunks; default 0 writes at once")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Write timeout")
	return cmd
}

// encodeInput converts the command-line value according to --hex or --codec.
func encodeInput(text string, asHex bool, codec string) ([]byte, error) {
	switch {
	case asHex && codec != "":
		return nil, fmt.Errorf("--hex and --codec are mutually exclusive")
	case asHex:
		return access.EncodeNamed("bytes", text)
	case codec != "":
		return access.EncodeNamed(codec, text)
	}
	return []byte(text), nil
}

func runWrite(cmd *cobra.Command, a *app, f *writeFlags, args []string) error {
	address := args[0]

	var targetUUID, dataStr string
	switch {
	case len(args) == 3:
		targetUUID, dataStr = args[1], args[2]
	case f.char != "":
		targetUUID, dataStr = f.char, args[1]
	case f.desc != "":
		dataStr = args[1]
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}
	if f.char != "" {
		targetUUID = f.char
	}

	data, err := encodeInput(dataStr, f.hex, f.codec)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if f.chunk < 0 {
		return fmt.Errorf("--chunk must not be negative")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	what := lo.Ternary(f.desc != "", f.desc, targetUUID)
	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), what, address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	ctx := cmd.Context()
	_, err = inspector.InspectDevice(ctx, stack, address, a.connectOptions(0, 0, true), a.logger, progress.Callback(),
		func(dev device.Device) (struct{}, error) {
			progress.Stop()
			conn := dev.GetConnection()
			if conn == nil {
				return struct{}{}, device.ErrNotConnected
			}
			t, err := resolveTarget(conn, targetUUID, f.service, f.desc)
			if err != nil {
				return struct{}{}, err
			}

			svc := access.NewService(dev, a.logger)
			defer svc.Close()
			return struct{}{}, performWrite(ctx, svc, t, data, f)
		})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

// performWrite writes to the descriptor when one was resolved, else to the characteristic.
func performWrite(ctx context.Context, svc *access.Service, t target, data []byte, f *writeFlags) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if t.desc != nil {
		if err := t.desc.Write(ctx, data); err != nil {
			return fmt.Errorf("failed to write descriptor: %w", err)
		}
		return nil
	}

	props := t.char.GetProperties()
	canWrite := props.Has(device.PropWrite)
	canWriteNoResponse := props.Has(device.PropWriteWithoutResponse)
	if !canWrite && !canWriteNoResponse {
		return fmt.Errorf("characteristic %s does not support write operations: %w", t.char.UUID(), device.ErrNotSupportedByCharacteristic)
	}

	// Defaults to with-response when supported
	withResponse := !f.noResponse && canWrite

	chunks := [][]byte{data}
	if f.chunk > 0 && len(data) > f.chunk {
		chunks = lo.Chunk(data, f.chunk)
	}
	for _, c := range chunks {
		if err := svc.Write(ctx, t.serviceUUID, t.char.UUID(), c, withResponse); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
	}
	return nil
}

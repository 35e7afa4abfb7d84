package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/inspector"
)

type readFlags struct {
	service string
	chars   string // comma-separated
	desc    string
	hex     bool
	codec   string
	timeout time.Duration
	watch   string
}

func newReadCmd(a *app) *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> [uuid]",
		Short: "Read a characteristic or descriptor value",
		Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic as a number
  bleplex read %s 2a19 --codec uint8

  # Read multiple characteristics (comma-separated)
  bleplex read %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  bleplex read %s --service 180f --char 2a19

  # Read descriptor (Client Characteristic Configuration)
  bleplex read %s --service 180d --char 2a37 --desc 2902

  # Continuously watch characteristic (polls every second)
  bleplex read %s 2a37 --watch

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, a, f, args)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.chars, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Decode the value with a named codec (e.g. uint8, uint16le, string, sfloat)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Read timeout")
	cmd.Flags().StringVar(&f.watch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	cmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	return cmd
}

func runRead(cmd *cobra.Command, a *app, f *readFlags, args []string) error {
	address := args[0]

	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case f.chars != "":
		uuidInput = f.chars
	case f.desc != "":
		uuidInput = f.desc
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char/--desc flag")
	}
	uuids := parseCSVUUIDs(uuidInput)
	if len(uuids) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}
	if f.hex && f.codec != "" {
		return fmt.Errorf("--hex and --codec are mutually exclusive")
	}
	if f.codec != "" {
		if err := access.CheckCodec(f.codec); err != nil {
			return err
		}
	}

	var watchInterval time.Duration
	if f.watch != "" {
		if len(uuids) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(uuids))
		}
		var err error
		if watchInterval, err = time.ParseDuration(f.watch); err != nil || watchInterval <= 0 {
			return fmt.Errorf("invalid watch interval: %q", f.watch)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	operation := "Reading"
	if f.watch != "" {
		operation = "Watching"
	}
	desc := fmt.Sprintf("%s %s from %s", operation, uuids[0], address)
	if len(uuids) > 1 {
		desc = fmt.Sprintf("%s %d characteristics from %s", operation, len(uuids), address)
	}
	progress := NewProgressPrinter(cmd.ErrOrStderr(), desc, inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	ctx := cmd.Context()
	r := &reader{flags: f, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), logger: a.logger}

	_, err = inspector.InspectDevice(ctx, stack, address, a.connectOptions(0, 0, false), a.logger, progress.Callback(),
		func(dev device.Device) (struct{}, error) {
			progress.Stop()
			conn := dev.GetConnection()
			if conn == nil {
				return struct{}{}, device.ErrNotConnected
			}
			svc := access.NewService(dev, a.logger)
			defer svc.Close()
			r.svc = svc

			if f.desc != "" {
				charUUID := f.chars
				if charUUID == "" && len(args) == 2 {
					charUUID = args[1]
				}
				t, err := resolveTarget(conn, charUUID, f.service, f.desc)
				if err != nil {
					return struct{}{}, err
				}
				if watchInterval > 0 {
					return struct{}{}, r.watch(ctx, t, watchInterval)
				}
				return struct{}{}, r.readOne(ctx, t, false)
			}

			targets, err := resolveCharacteristics(conn, uuids, f.service)
			if err != nil {
				return struct{}{}, err
			}
			if len(targets) == 1 {
				if watchInterval > 0 {
					return struct{}{}, r.watch(ctx, targets[0], watchInterval)
				}
				return struct{}{}, r.readOne(ctx, targets[0], false)
			}
			return struct{}{}, r.readMany(ctx, targets)
		})
	return err
}

// reader performs reads and formats their output.
type reader struct {
	flags  *readFlags
	svc    *access.Service
	out    io.Writer
	errOut io.Writer
	logger *logrus.Logger
}

func (r *reader) read(ctx context.Context, t target) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.flags.timeout)
	defer cancel()
	if t.desc != nil {
		data, err := t.desc.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read descriptor: %w", err)
		}
		return data, nil
	}
	data, err := r.svc.Read(ctx, t.serviceUUID, t.char.UUID())
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return data, nil
}

func (r *reader) readOne(ctx context.Context, t target, prefixed bool) error {
	data, err := r.read(ctx, t)
	if err != nil {
		return err
	}
	return r.output(t, data, prefixed)
}

// readMany reads every target, reporting failures without stopping.
func (r *reader) readMany(ctx context.Context, targets []target) error {
	var failed int
	for _, t := range targets {
		data, err := r.read(ctx, t)
		if err != nil {
			fmt.Fprintf(r.errOut, "%s: error: %v\n", device.ShortenUUID(t.char.UUID()), err)
			failed++
			continue
		}
		if err := r.output(t, data, true); err != nil {
			return err
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("all %d reads failed", failed)
	}
	return nil
}

// watch reads at every interval until ctx ends.
func (r *reader) watch(ctx context.Context, t target, interval time.Duration) error {
	fmt.Fprintf(r.errOut, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)
	if err := r.readOne(ctx, t, false); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.readOne(ctx, t, false); err != nil {
				if errors.Is(err, device.ErrNotConnected) {
					return ErrConnectionLost
				}
				if ctx.Err() != nil {
					return nil
				}
				r.logger.WithError(err).Warn("Failed to read, continuing...")
			}
		}
	}
}

// output formats data according to flags: hex, codec, or raw bytes.
func (r *reader) output(t target, data []byte, prefixed bool) error {
	var prefix string
	if prefixed {
		prefix = device.ShortenUUID(t.char.UUID()) + ": "
	}

	switch {
	case r.flags.hex:
		_, err := fmt.Fprintf(r.out, "%s%s\n", prefix, hex.EncodeToString(data))
		return err
	case r.flags.codec != "":
		v, err := access.DecodeNamed(r.flags.codec, data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(r.out, "%s%v\n", prefix, v)
		return err
	}

	// Raw bytes; a prefix puts each value on its own line
	if _, err := io.WriteString(r.out, prefix); err != nil {
		return err
	}
	if _, err := r.out.Write(data); err != nil {
		return err
	}
	if prefixed {
		_, err := fmt.Fprintln(r.out)
		return err
	}
	return nil
}

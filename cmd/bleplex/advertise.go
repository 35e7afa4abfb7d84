package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/gattprofile"
)

type advertiseFlags struct {
	profile          string
	name             string
	services         []string
	manufacturerID   string
	manufacturerData string
	interval         time.Duration
	duration         time.Duration
}

func newAdvertiseCmd(a *app) *cobra.Command {
	f := &advertiseFlags{}
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Advertise and serve a GATT profile",
		Long: `Runs the local adapter as a peripheral: advertises and serves the GATT services
described by a YAML profile. Central activity (subscriptions, reads, writes) is printed
as it happens.

Profile format:
  local_name: bleplex-demo
  services:
    - uuid: 180f
      characteristics:
        - uuid: 2a19
          properties: read,notify
          value: "64"

Examples:
  bleplex advertise --profile ./battery.yaml
  bleplex advertise --name beacon --service 180f --duration 30s
  bleplex advertise --name beacon --manufacturer-id 0x004c --manufacturer-data 0215`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAdvertise(cmd, a, f)
		},
	}
	cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "YAML profile with local_name and services")
	cmd.Flags().StringVar(&f.name, "name", "", "Advertised local name (overrides the profile)")
	cmd.Flags().StringSliceVarP(&f.services, "service", "s", nil, "Advertised service UUIDs (default: every served service)")
	cmd.Flags().StringVar(&f.manufacturerID, "manufacturer-id", "", "Company identifier for manufacturer data (e.g. 0x004c)")
	cmd.Flags().StringVar(&f.manufacturerData, "manufacturer-data", "", "Manufacturer data as hex")
	cmd.Flags().DurationVar(&f.interval, "interval", 100*time.Millisecond, "Advertising interval")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
	return cmd
}

// advertiseSetup turns flags and the optional profile into services and options.
func advertiseSetup(f *advertiseFlags) ([]*device.LocalService, *device.AdvertiseOptions, error) {
	opts := &device.AdvertiseOptions{
		LocalName: f.name,
		Interval:  f.interval,
		Duration:  f.duration,
	}

	var services []*device.LocalService
	if f.profile != "" {
		pf, err := gattprofile.Load(f.profile)
		if err != nil {
			return nil, nil, err
		}
		if services, err = pf.LocalServices(); err != nil {
			return nil, nil, fmt.Errorf("profile %s: %w", f.profile, err)
		}
		if opts.LocalName == "" {
			opts.LocalName = pf.LocalName
		}
	}

	if len(f.services) > 0 {
		uuids, err := device.ValidateUUID(f.services...)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}

	if f.manufacturerData != "" {
		data, err := gattprofile.ParseHex(f.manufacturerData)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid manufacturer data: %w", err)
		}
		opts.ManufacturerData = data
	}
	if f.manufacturerID != "" {
		id, err := strconv.ParseUint(f.manufacturerID, 0, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid manufacturer id %q: %w", f.manufacturerID, err)
		}
		opts.ManufacturerID = uint16(id)
	}

	if opts.LocalName == "" && len(services) == 0 && len(opts.ServiceUUIDs) == 0 && len(opts.ManufacturerData) == 0 {
		return nil, nil, fmt.Errorf("nothing to advertise: use --profile, --name, --service or --manufacturer-data")
	}
	return services, opts, nil
}

func runAdvertise(cmd *cobra.Command, a *app, f *advertiseFlags) error {
	services, opts, err := advertiseSetup(f)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	b := stack.Broadcaster
	for _, svc := range services {
		if err := b.AddService(svc); err != nil {
			return fmt.Errorf("failed to add service %s: %w", svc.UUID, err)
		}
	}

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	remove := b.AddListener(func(ev device.Event) {
		mu.Lock()
		defer mu.Unlock()
		printBroadcastEvent(out, ev)
	})
	defer remove()

	ctx := cmd.Context()
	if err := b.Start(ctx, opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Advertising %q with %d service(s). Press Ctrl+C to stop...\n", opts.LocalName, len(services))

	select {
	case <-ctx.Done():
	case <-doneOrClosed(b.Done()):
	}
	return b.Stop()
}

// doneOrClosed maps the nil channel of an already finished session to a closed one.
func doneOrClosed(done <-chan struct{}) <-chan struct{} {
	if done != nil {
		return done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func printBroadcastEvent(w io.Writer, ev device.Event) {
	switch e := ev.(type) {
	case device.CentralSubscribed:
		fmt.Fprintf(w, "%s subscribed to %s/%s\n", e.Central, e.ServiceUUID, e.CharUUID)
	case device.CentralUnsubscribed:
		fmt.Fprintf(w, "%s unsubscribed from %s/%s\n", e.Central, e.ServiceUUID, e.CharUUID)
	case device.ReadRequested:
		fmt.Fprintf(w, "%s read %s/%s\n", e.Central, e.ServiceUUID, e.CharUUID)
	case device.WriteReceived:
		fmt.Fprintf(w, "%s wrote %s/%s: %s\n", e.Central, e.ServiceUUID, e.CharUUID, hex.EncodeToString(e.Value))
	case device.BroadcastStateChanged:
		if e.Err != nil {
			fmt.Fprintf(w, "advertising %s: %v\n", e.State, e.Err)
		}
	}
}

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/access"
	"github.com/srg/bleplex/internal/device"
	"github.com/srg/bleplex/internal/inspector"
)

type subscribeFlags struct {
	service  string
	chars    string // comma-separated
	hex      bool
	codec    string
	mode     string
	rate     time.Duration
	count    int
	duration time.Duration
}

// streamMode selects how notifications reach the output.
type streamMode int

const (
	streamLive    streamMode = iota // every notification immediately
	streamBatched                   // every notification, flushed at the rate interval
	streamLatest                    // last value per characteristic, flushed at the rate interval
)

func newSubscribeCmd(a *app) *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> [uuid]",
		Short: "Subscribe to characteristic notifications",
		Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval
  latest   - Keep only latest value per characteristic, output at rate interval

Examples:
  # Subscribe to single characteristic, decoded as a number
  bleplex subscribe %s 2a19 --codec uint8

  # Subscribe to multiple characteristics (auto-resolves services)
  bleplex subscribe %s 2a6e,2a6f,2a19 --hex

  # Subscribe to all notifiable characteristics in service
  bleplex subscribe %s --service ff30

  # Stop after 10 notifications
  bleplex subscribe %s 2a37 --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, a, f, args)
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	cmd.Flags().StringVar(&f.chars, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Decode values with a named codec (e.g. uint8, uint16le, sfloat)")
	cmd.Flags().StringVar(&f.mode, "mode", "live", "Stream mode: live, batched, or latest")
	cmd.Flags().DurationVar(&f.rate, "rate", time.Second, "Flush interval for batched/latest modes")
	cmd.Flags().IntVar(&f.count, "count", 0, "Stop after N notifications (0 for no limit)")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop after this long (0 until Ctrl+C)")
	return cmd
}

// parseStreamMode converts CLI mode string to a streamMode
func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return streamLive, nil
	case "batched", "batch":
		return streamBatched, nil
	case "latest", "aggregated":
		return streamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notifiable keeps the characteristics that can notify. Explicitly requested ones
// that cannot are an error; in all-in-service mode they are skipped.
func notifiable(targets []target, explicit bool) ([]target, error) {
	out := lo.Filter(targets, func(t target, _ int) bool { return t.char.GetProperties().CanNotify() })
	if explicit && len(out) != len(targets) {
		bad, _ := lo.Find(targets, func(t target) bool { return !t.char.GetProperties().CanNotify() })
		return nil, fmt.Errorf("characteristic %s does not support notifications", device.ShortenUUID(bad.char.UUID()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no notifiable characteristics found")
	}
	return out, nil
}

func runSubscribe(cmd *cobra.Command, a *app, f *subscribeFlags, args []string) error {
	address := args[0]

	mode, err := parseStreamMode(f.mode)
	if err != nil {
		return err
	}
	if mode != streamLive && f.rate <= 0 {
		return fmt.Errorf("--rate must be positive")
	}
	if f.hex && f.codec != "" {
		return fmt.Errorf("--hex and --codec are mutually exclusive")
	}
	if f.codec != "" {
		if err := access.CheckCodec(f.codec); err != nil {
			return err
		}
	}

	charsCSV := f.chars
	if len(args) == 2 {
		charsCSV = args[1]
	}
	if charsCSV == "" && f.service == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	stack, err := a.stack()
	if err != nil {
		return err
	}
	defer closeStack(stack, a.logger)

	ctx := cmd.Context()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing to %s", address), inspector.PhaseConnecting, inspector.PhaseProcessing, inspector.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, stack, address, a.connectOptions(0, 0, false), a.logger, progress.Callback(),
		func(dev device.Device) (struct{}, error) {
			progress.Stop()
			conn := dev.GetConnection()
			if conn == nil {
				return struct{}{}, device.ErrNotConnected
			}
			resolved, err := resolveCharacteristics(conn, parseCSVUUIDs(charsCSV), f.service)
			if err != nil {
				return struct{}{}, err
			}
			targets, err := notifiable(resolved, charsCSV != "")
			if err != nil {
				return struct{}{}, err
			}

			svc := access.NewService(dev, a.logger)
			defer svc.Close()
			return struct{}{}, stream(ctx, svc, dev, targets, mode, f, a.cfg.Connect.AutoReconnect, cmd.OutOrStdout(), cmd.ErrOrStderr())
		})
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

// stream subscribes to every target and prints values until ctx ends, the count is
// reached or the device disconnects. With reconnect set a dropped link is waited out;
// the access service restores the subscriptions.
func stream(ctx context.Context, svc *access.Service, dev device.Device, targets []target, mode streamMode, f *subscribeFlags, reconnect bool, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &notificationPrinter{
		out:      out,
		flags:    f,
		prefixed: len(targets) > 1,
		latest:   make(map[string][]byte),
	}
	if f.count > 0 {
		p.onLimit = cancel
	}

	for _, t := range targets {
		uuid := t.char.UUID()
		sub, err := svc.Notify(ctx, t.serviceUUID, uuid, func(data []byte) {
			p.receive(uuid, data, mode)
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Close(context.Background()) }()
	}

	names := lo.Map(targets, func(t target, _ int) string { return t.char.UUID() })
	fmt.Fprintf(errOut, "Subscribed to %s. Press Ctrl+C to stop...\n", strings.Join(names, ", "))

	lost := make(chan struct{})
	var lostOnce sync.Once
	markLost := func() { lostOnce.Do(func() { close(lost) }) }
	remove := dev.AddListener(func(ev device.Event) {
		if e, ok := ev.(device.DeviceStateChanged); ok && e.State == device.Disconnected && e.Cause != nil && !reconnect {
			markLost()
		}
	})
	defer remove()
	// The listener only sees drops from here on.
	if !reconnect && !dev.IsConnected() {
		markLost()
	}

	var tick <-chan time.Time
	if mode != streamLive {
		ticker := time.NewTicker(f.rate)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case <-lost:
			p.flush()
			return ErrConnectionLost
		case <-tick:
			p.flush()
		}
	}
}

type notification struct {
	uuid string
	data []byte
}

// notificationPrinter serializes output from concurrent handlers.
type notificationPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	flags    *subscribeFlags
	prefixed bool
	received int
	onLimit  func()

	batch  []notification
	latest map[string][]byte
	order  []string
}

func (p *notificationPrinter) receive(uuid string, data []byte, mode streamMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flags.count > 0 && p.received >= p.flags.count {
		return
	}
	p.received++

	switch mode {
	case streamLive:
		p.print(uuid, data)
	case streamBatched:
		p.batch = append(p.batch, notification{uuid, data})
	case streamLatest:
		if _, seen := p.latest[uuid]; !seen {
			p.order = append(p.order, uuid)
		}
		p.latest[uuid] = data
	}

	if p.flags.count > 0 && p.received >= p.flags.count && p.onLimit != nil {
		p.onLimit()
	}
}

func (p *notificationPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.batch {
		p.print(n.uuid, n.data)
	}
	p.batch = nil
	for _, uuid := range p.order {
		p.print(uuid, p.latest[uuid])
	}
	p.order = nil
	clear(p.latest)
}

func (p *notificationPrinter) print(uuid string, data []byte) {
	var prefix string
	if p.prefixed {
		prefix = device.ShortenUUID(uuid) + ": "
	}
	switch {
	case p.flags.hex:
		fmt.Fprintf(p.out, "%s%s\n", prefix, hex.EncodeToString(data))
	case p.flags.codec != "":
		v, err := access.DecodeNamed(p.flags.codec, data)
		if err != nil {
			fmt.Fprintf(p.out, "%s<%v>\n", prefix, err)
			return
		}
		fmt.Fprintf(p.out, "%s%v\n", prefix, v)
	default:
		fmt.Fprintf(p.out, "%s%s\n", prefix, data)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// platformCommands are added by files that only build on some operating systems.
var platformCommands []func(*app) *cobra.Command

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bleplex",
		Short: "Cross-platform Bluetooth Low Energy tool",
		Long: `Bluetooth Low Energy (BLE) command-line tool that provides:

- Scan and discover nearby BLE devices
- Inspect GATT services, characteristics, and descriptors
- Read from, write to and subscribe to characteristics
- Advertise a GATT server described by a YAML profile
- Check and request Bluetooth permissions
- Bridge BLE UART devices to a PTY for serial-like access

Every command runs against the simulated backend with --backend sim.`,
		Version:           fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ~/.config/bleplex/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&a.verbose, "verbose", false, "Debug logging, same as --log-level debug")
	flags.StringVar(&a.backend, "backend", "", fmt.Sprintf("BLE backend %v (default from config, else auto)", platform.Backends()))
	flags.StringVar(&a.simProfile, "sim-profile", "", "GATT profile for the sim backend (default: built-in demo devices)")

	root.AddCommand(
		newScanCmd(a),
		newInspectCmd(a),
		newReadCmd(a),
		newWriteCmd(a),
		newSubscribeCmd(a),
		newAdvertiseCmd(a),
		newPermissionsCmd(a),
	)
	for _, f := range platformCommands {
		root.AddCommand(f(a))
	}
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		stop()
		os.Exit(1)
	}
}

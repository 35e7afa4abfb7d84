package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/srg/bleplex/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type permissionsFlags struct {
	request bool
	json    bool
}

var allPermissions = []device.Permission{device.PermissionScan, device.PermissionConnect, device.PermissionAdvertise}

func newPermissionsCmd(a *app) *cobra.Command {
	f := &permissionsFlags{}
	cmd := &cobra.Command{
		Use:   "permissions [scan|connect|advertise ...]",
		Short: "Check or request Bluetooth permissions",
		Long: `Shows the adapter state and the status of each Bluetooth permission.
With --request the operating system is asked to grant permissions that have not
been decided yet. Platforms without a permission prompt report the same as a check.

Examples:
  bleplex permissions
  bleplex permissions scan connect --request
  bleplex permissions --json`,
		ValidArgs: lo.Map(allPermissions, func(p device.Permission, _ int) string { return p.String() }),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPermissions(cmd, a, f, args)
		},
	}
	cmd.Flags().BoolVar(&f.request, "request", false, "Request permissions that are not granted yet")
	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	return cmd
}

// permissionResult is one row of the report.
type permissionResult struct {
	Permission device.Permission
	Status     device.PermissionStatus
}

func parsePermissions(args []string) ([]device.Permission, error) {
	if len(args) == 0 {
		return allPermissions, nil
	}
	perms := make([]device.Permission, 0, len(args))
	for _, arg := range args {
		p, ok := device.ParsePermission(arg)
		if !ok {
			return nil, fmt.Errorf("unknown permission %q: use scan, connect or advertise", arg)
		}
		perms = append(perms, p)
	}
	return lo.Uniq(perms), nil
}

func runPermissions(cmd *cobra.Command, a *app, f *permissionsFlags, args []string) error {
	perms, err := parsePermissions(args)
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
	pm := stack.Permissions
	adapter, err := pm.AdapterState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read adapter state: %w", err)
	}

	results := make([]permissionResult, 0, len(perms))
	for _, p := range perms {
		check := pm.Check
		if f.request {
			check = pm.Request
		}
		status, err := check(ctx, p)
		if err != nil {
			return fmt.Errorf("%s permission: %w", p, err)
		}
		a.logger.WithField("permission", p.String()).WithField("status", status.String()).Debug("Permission status")
		results = append(results, permissionResult{Permission: p, Status: status})
	}

	out := cmd.OutOrStdout()
	if f.json {
		return writePermissionsJSON(out, adapter, results)
	}
	return writePermissionsTable(out, adapter, results, isTerminal(out))
}

func writePermissionsJSON(w io.Writer, adapter device.AdapterState, results []permissionResult) error {
	perms := orderedmap.New[string, string]()
	for _, r := range results {
		perms.Set(r.Permission.String(), r.Status.String())
	}
	m := orderedmap.New[string, any]()
	m.Set("adapter", adapter.String())
	m.Set("permissions", perms)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func writePermissionsTable(w io.Writer, adapter device.AdapterState, results []permissionResult, colored bool) error {
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, c := range []*color.Color{good, bad} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	paint := func(ok bool, s string) string {
		if ok {
			return good.Sprint(s)
		}
		return bad.Sprint(s)
	}

	fmt.Fprintf(w, "Adapter: %s\n\n", paint(adapter == device.AdapterPoweredOn, adapter.String()))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PERMISSION\tSTATUS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\n", r.Permission, paint(r.Status == device.StatusGranted, r.Status.String()))
	}
	return tw.Flush()
}

package scanner

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/srg/bleplex/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DeviceRecord renders one device as an ordered JSON object. Keys keep a fixed order so
// output diffs cleanly between runs.
func DeviceRecord(d device.DeviceInfo) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("id", d.ID())
	m.Set("name", d.Name())
	m.Set("address", d.Address())
	m.Set("rssi", d.RSSI())
	if tx := d.TxPower(); tx != nil {
		m.Set("tx_power", *tx)
	}
	m.Set("connectable", d.IsConnectable())

	services := d.AdvertisedServices()
	if services == nil {
		services = []string{}
	}
	m.Set("services", services)

	if md := d.ManufacturerData(); len(md) > 0 {
		m.Set("manufacturer_data", hex.EncodeToString(md))
	}
	if sd := d.ServiceData(); len(sd) > 0 {
		keys := make([]string, 0, len(sd))
		for k := range sd {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		data := orderedmap.New[string, string]()
		for _, k := range keys {
			data.Set(k, hex.EncodeToString(sd[k]))
		}
		m.Set("service_data", data)
	}
	m.Set("last_seen", d.LastSeen().UTC().Format(time.RFC3339Nano))
	return m
}

// WriteJSON writes devices as an indented JSON array.
func WriteJSON(w io.Writer, devices []device.Device) error {
	records := make([]*orderedmap.OrderedMap[string, any], 0, len(devices))
	for _, d := range devices {
		records = append(records, DeviceRecord(d))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// WriteTable writes devices as an aligned table. now anchors the "last seen" column.
func WriteTable(w io.Writer, devices []device.Device, now time.Time) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, d := range devices {
		services := strings.Join(d.AdvertisedServices(), ",")
		age := now.Sub(d.LastSeen()).Truncate(time.Second)
		if age < 0 {
			age = 0
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			truncate(d.Name(), 20), d.Address(), d.RSSI(), truncate(services, 30), age)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package testutils

import (
	"encoding/json"
	"sort"

	"github.com/srg/bleplex/internal/device"
)

// DeviceJSON is the flat form of a discovered device compared by AssertDevice. Byte
// fields are lists of ints so expectations read like the advertisement bytes.
func DeviceJSON(d device.DeviceInfo) string {
	services := append([]string{}, d.AdvertisedServices()...)
	sort.Strings(services)

	doc := map[string]any{
		"id":          d.ID(),
		"name":        d.Name(),
		"address":     d.Address(),
		"rssi":        d.RSSI(),
		"connectable": d.IsConnectable(),
		"services":    services,
	}
	if tx := d.TxPower(); tx != nil {
		doc["tx_power"] = *tx
	}
	if mfg := d.ManufacturerData(); len(mfg) > 0 {
		doc["manufacturer_data"] = ints(mfg)
	}
	if sd := d.ServiceData(); len(sd) > 0 {
		m := make(map[string][]int, len(sd))
		for uuid, data := range sd {
			m[uuid] = ints(data)
		}
		doc["service_data"] = m
	}

	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func ints(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

package inspector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mcuadros/go-defaults"
	"github.com/srg/bleplex/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ReportOptions controls value reads while building a report.
type ReportOptions struct {
	// ReadLimit caps the bytes kept per characteristic value. Zero skips reads.
	ReadLimit int
	// ReadTimeout bounds each characteristic read.
	ReadTimeout time.Duration `default:"2s"`
}

// Report is a snapshot of a connected device's GATT database.
type Report struct {
	Address  string
	Name     string
	MTU      int
	RSSI     *int
	Services []ServiceReport
}

type ServiceReport struct {
	UUID            string
	Name            string
	Characteristics []CharacteristicReport
}

type CharacteristicReport struct {
	UUID       string
	Name       string
	Properties device.Property
	Value      []byte
	// Truncated is set when the value was longer than ReadLimit.
	Truncated   bool
	ReadError   string
	Descriptors []DescriptorReport
}

type DescriptorReport struct {
	UUID   string
	Name   string
	Value  []byte
	Parsed any
	Error  string
}

// BuildReport walks the device's services. Read failures are recorded in the report
// rather than returned; only a missing connection is an error.
func BuildReport(ctx context.Context, dev device.Device, opts *ReportOptions) (*Report, error) {
	o := ReportOptions{ReadLimit: 64}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	conn := dev.GetConnection()
	if conn == nil {
		return nil, device.ErrNotConnected
	}

	r := &Report{
		Address: dev.Address(),
		Name:    dev.Name(),
		MTU:     conn.MTU(),
	}
	if rssi, err := conn.ReadRSSI(ctx); err == nil {
		r.RSSI = &rssi
	}

	for _, svc := range conn.Services() {
		sr := ServiceReport{UUID: svc.UUID(), Name: svc.KnownName()}
		for _, ch := range svc.GetCharacteristics() {
			sr.Characteristics = append(sr.Characteristics, characteristicReport(ctx, ch, &o))
		}
		r.Services = append(r.Services, sr)
	}
	return r, nil
}

func characteristicReport(ctx context.Context, ch device.Characteristic, opts *ReportOptions) CharacteristicReport {
	cr := CharacteristicReport{
		UUID:       ch.UUID(),
		Name:       ch.KnownName(),
		Properties: ch.GetProperties(),
	}

	if opts.ReadLimit > 0 && cr.Properties.Has(device.PropRead) {
		readCtx, cancel := context.WithTimeout(ctx, opts.ReadTimeout)
		value, err := ch.Read(readCtx)
		cancel()
		if err != nil {
			cr.ReadError = err.Error()
		} else {
			if len(value) > opts.ReadLimit {
				value, cr.Truncated = value[:opts.ReadLimit], true
			}
			cr.Value = value
		}
	}

	for _, d := range ch.GetDescriptors() {
		dr := DescriptorReport{UUID: d.UUID(), Name: d.KnownName(), Value: d.Value()}
		// Backends report failed discovery reads as a *device.DescriptorError value.
		switch parsed := d.ParsedValue().(type) {
		case error:
			dr.Error = parsed.Error()
		default:
			dr.Parsed = parsed
		}
		cr.Descriptors = append(cr.Descriptors, dr)
	}
	return cr
}

// ----------------------------
// JSON
// ----------------------------

// MarshalJSON emits keys in a fixed order: device fields, then services in discovery order.
func (r *Report) MarshalJSON() ([]byte, error) {
	m := orderedmap.New[string, any]()
	m.Set("address", r.Address)
	m.Set("name", r.Name)
	m.Set("mtu", r.MTU)
	if r.RSSI != nil {
		m.Set("rssi", *r.RSSI)
	}

	services := make([]*orderedmap.OrderedMap[string, any], 0, len(r.Services))
	for _, s := range r.Services {
		sm := orderedmap.New[string, any]()
		sm.Set("uuid", s.UUID)
		setName(sm, s.Name)

		chars := make([]*orderedmap.OrderedMap[string, any], 0, len(s.Characteristics))
		for _, c := range s.Characteristics {
			chars = append(chars, c.record())
		}
		sm.Set("characteristics", chars)
		services = append(services, sm)
	}
	m.Set("services", services)
	return json.Marshal(m)
}

func (c CharacteristicReport) record() *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("uuid", c.UUID)
	setName(m, c.Name)
	props := c.Properties.Names()
	if props == nil {
		props = []string{}
	}
	m.Set("properties", props)
	if c.Value != nil {
		m.Set("value", hex.EncodeToString(c.Value))
		if text, ok := printable(c.Value); ok {
			m.Set("text", text)
		}
		if c.Truncated {
			m.Set("truncated", true)
		}
	}
	if c.ReadError != "" {
		m.Set("read_error", c.ReadError)
	}

	descs := make([]*orderedmap.OrderedMap[string, any], 0, len(c.Descriptors))
	for _, d := range c.Descriptors {
		dm := orderedmap.New[string, any]()
		dm.Set("uuid", d.UUID)
		setName(dm, d.Name)
		if d.Value != nil {
			dm.Set("value", hex.EncodeToString(d.Value))
		}
		if d.Parsed != nil {
			dm.Set("parsed", d.Parsed)
		}
		if d.Error != "" {
			dm.Set("error", d.Error)
		}
		descs = append(descs, dm)
	}
	m.Set("descriptors", descs)
	return m
}

func setName(m *orderedmap.OrderedMap[string, any], name string) {
	if name != "" {
		m.Set("name", name)
	}
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ----------------------------
// Text tree
// ----------------------------

type palette struct {
	header, service, char, desc, value, errText *color.Color
}

func newPalette(colored bool) palette {
	p := palette{
		header:  color.New(color.Bold),
		service: color.New(color.FgCyan, color.Bold),
		char:    color.New(color.FgGreen),
		desc:    color.New(color.FgYellow),
		value:   color.New(color.FgWhite),
		errText: color.New(color.FgRed),
	}
	for _, c := range []*color.Color{p.header, p.service, p.char, p.desc, p.value, p.errText} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// WriteText writes the report as an indented tree. colored adds ANSI colors.
func (r *Report) WriteText(w io.Writer, colored bool) error {
	p := newPalette(colored)
	var b strings.Builder

	b.WriteString(p.header.Sprintf("Device %s", r.Address))
	if r.Name != "" && r.Name != r.Address {
		fmt.Fprintf(&b, " (%s)", r.Name)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  MTU: %d\n", r.MTU)
	if r.RSSI != nil {
		fmt.Fprintf(&b, "  RSSI: %d dBm\n", *r.RSSI)
	}
	if len(r.Services) == 0 {
		b.WriteString("  No services\n")
	}

	for _, s := range r.Services {
		fmt.Fprintf(&b, "  %s\n", p.service.Sprint("Service "+label(s.UUID, s.Name)))
		for _, c := range s.Characteristics {
			fmt.Fprintf(&b, "    %s [%s]\n", p.char.Sprint("Characteristic "+label(c.UUID, c.Name)), c.Properties)
			switch {
			case c.ReadError != "":
				fmt.Fprintf(&b, "      %s\n", p.errText.Sprint("read failed: "+c.ReadError))
			case c.Value != nil:
				fmt.Fprintf(&b, "      Value: %s\n", p.value.Sprint(formatValue(c.Value, c.Truncated)))
			}
			for _, d := range c.Descriptors {
				fmt.Fprintf(&b, "      %s", p.desc.Sprint("Descriptor "+label(d.UUID, d.Name)))
				switch {
				case d.Error != "":
					fmt.Fprintf(&b, ": %s", p.errText.Sprint(d.Error))
				case d.Parsed != nil:
					fmt.Fprintf(&b, ": %s", formatParsed(d.Parsed))
				case d.Value != nil:
					fmt.Fprintf(&b, ": %s", hex.EncodeToString(d.Value))
				}
				b.WriteString("\n")
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func label(uuid, name string) string {
	if name == "" {
		return uuid
	}
	return fmt.Sprintf("%s (%s)", uuid, name)
}

func formatValue(v []byte, truncated bool) string {
	s := hex.EncodeToString(v)
	if s == "" {
		s = "<empty>"
	}
	if text, ok := printable(v); ok {
		s += fmt.Sprintf(" %q", text)
	}
	if truncated {
		s += " ..."
	}
	return s
}

func formatParsed(v any) string {
	switch p := v.(type) {
	case string:
		return fmt.Sprintf("%q", p)
	case []byte:
		return hex.EncodeToString(p)
	default:
		return fmt.Sprintf("%+v", v)
	}
}

// printable returns v as text when every byte is printable ASCII.
func printable(v []byte) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	for _, c := range v {
		if c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return string(v), true
}

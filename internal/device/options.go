package device

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// ScanOptions controls a scan session. Zero fields take the `default` tag value.
type ScanOptions struct {
	// Duration stops the scan automatically; zero scans until Stop or context cancel.
	Duration        time.Duration
	AllowDuplicates bool
	// ServiceUUIDs keeps only devices advertising at least one of these services.
	ServiceUUIDs []string
	// AllowList keeps only these addresses; BlockList drops them. Matching ignores case.
	AllowList []string
	BlockList []string
	// MinRSSI drops reports weaker than this value when non-zero.
	MinRSSI int
}

// Resolve returns a copy of o with defaults applied. A nil receiver yields all defaults.
func (o *ScanOptions) Resolve() *ScanOptions {
	var out ScanOptions
	if o != nil {
		out = *o
	}
	defaults.SetDefaults(&out)
	return &out
}

// UnlimitedReconnects as MaxReconnectAttempts retries until Disconnect.
const UnlimitedReconnects = -1

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	ConnectTimeout time.Duration `default:"30s"`
	// DescriptorReadTimeout bounds each best-effort descriptor read during discovery.
	DescriptorReadTimeout time.Duration `default:"2s"`
	SkipDescriptorReads   bool
	// AutoReconnect re-establishes the link after an unexpected disconnect.
	AutoReconnect        bool
	ReconnectMinDelay    time.Duration `default:"500ms"`
	ReconnectMaxDelay    time.Duration `default:"30s"`
	// MaxReconnectAttempts caps reconnect attempts after one link loss. Zero takes the
	// default; UnlimitedReconnects (or any negative value) never gives up.
	MaxReconnectAttempts int `default:"10"`
}

// Resolve returns a copy of o with defaults applied. A nil receiver yields all defaults.
func (o *ConnectOptions) Resolve() *ConnectOptions {
	var out ConnectOptions
	if o != nil {
		out = *o
	}
	defaults.SetDefaults(&out)
	return &out
}

// AdvertiseOptions controls a broadcaster session.
type AdvertiseOptions struct {
	LocalName    string
	ServiceUUIDs []string
	// ManufacturerData is advertised under ManufacturerID when non-empty.
	ManufacturerID   uint16
	ManufacturerData []byte
	Interval         time.Duration `default:"100ms"`
	// Duration stops advertising automatically; zero advertises until Stop.
	Duration time.Duration
}

// Resolve returns a copy of o with defaults applied. A nil receiver yields all defaults.
func (o *AdvertiseOptions) Resolve() *AdvertiseOptions {
	var out AdvertiseOptions
	if o != nil {
		out = *o
	}
	defaults.SetDefaults(&out)
	return &out
}

package device

// AdvertisementData is a plain Advertisement, used by backends whose native report is not
// an interface of its own and by tests.
type AdvertisementData struct {
	Address        string
	Name           string
	MfgData        []byte
	SvcData        []ServiceData
	ServiceUUIDs   []string
	OverflowUUIDs  []string
	SolicitedUUIDs []string
	TxPower        int
	IsConnectable  bool
	Rssi           int
}

func (a *AdvertisementData) LocalName() string          { return a.Name }
func (a *AdvertisementData) ManufacturerData() []byte   { return a.MfgData }
func (a *AdvertisementData) ServiceData() []ServiceData { return a.SvcData }
func (a *AdvertisementData) Services() []string         { return a.ServiceUUIDs }
func (a *AdvertisementData) OverflowService() []string  { return a.OverflowUUIDs }
func (a *AdvertisementData) SolicitedService() []string { return a.SolicitedUUIDs }
func (a *AdvertisementData) TxPowerLevel() int          { return a.TxPower }
func (a *AdvertisementData) Connectable() bool          { return a.IsConnectable }
func (a *AdvertisementData) RSSI() int                  { return a.Rssi }
func (a *AdvertisementData) Addr() string               { return a.Address }

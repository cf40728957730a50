package ncp

import (
	"net/netip"
	"time"

	"github.com/openthread/otbr-agent/internal/mdns"
)

// MaxRadioUrls bounds the number of radio URLs accepted by the host.
const MaxRadioUrls = 2

// Config selects the Thread network interface, the RCP transport, and the
// backbone link.
type Config struct {
	// InterfaceName is the network interface brought up for Thread IPv6.
	InterfaceName string

	// RadioUrls identify the RCP transports, scheme://device?args, at most
	// MaxRadioUrls entries.
	RadioUrls []string

	// BackboneInterfaceName is the infrastructure interface, empty when
	// backbone functions are disabled.
	BackboneInterfaceName string

	// DryRun prevents the stack from touching the radio.
	DryRun bool
}

// SrpUpdateId correlates one SRP server update transaction.
type SrpUpdateId uint32

// SrpService is one service inside an SRP update.
type SrpService struct {
	InstanceName string
	ServiceType  string
	SubTypes     []string
	Port         uint16
	Priority     uint16
	Weight       uint16
	TxtData      mdns.TxtData
	Deleted      bool
}

// SrpHost is the host (plus its services) inside an SRP update.
type SrpHost struct {
	FullName  string
	Addresses []netip.Addr
	Deleted   bool
	Services  []*SrpService
}

// SrpUpdateHandler is invoked by the SRP server when a host and its
// services need to be advertised or withdrawn.
type SrpUpdateHandler func(id SrpUpdateId, host *SrpHost, timeout time.Duration)

// OnMeshPrefix is one border router entry in the network data.
type OnMeshPrefix struct {
	Prefix       netip.Prefix
	Preference   int8
	Preferred    bool
	Slaac        bool
	Dhcp         bool
	Configure    bool
	DefaultRoute bool
	OnMesh       bool
	Stable       bool
}

// ExternalRoute is one external route entry in the network data.
type ExternalRoute struct {
	Prefix              netip.Prefix
	Preference          int8
	Stable              bool
	NextHopIsThisDevice bool
}

// Stack is the façade over the external Thread stack library. The agent
// never sees the raw instance pointer; everything flows through this
// interface, and every method requires Init to have succeeded unless noted.
//
// Completion callbacks are invoked on the reactor goroutine.
type Stack interface {
	// Init initialises the stack instance. Balanced by Deinit.
	Init(config Config) error

	// Deinit tears the instance down. Operations after Deinit fail with
	// InvalidState.
	Deinit()

	// IsInitialized reports whether the instance handle is non-null.
	IsInitialized() bool

	// SetStateChangedCallback registers the single state-changed callback.
	SetStateChangedCallback(cb ThreadStateChangedCallback)

	DeviceRole() DeviceRole
	Ip6IsEnabled() bool
	Ip6SetEnabled(enabled bool) error
	ThreadSetEnabled(enabled bool) error

	// DetachGracefully releases the device's role and invokes done once
	// the detach completes.
	DetachGracefully(done func()) error

	// ErasePersistentInfo clears the settings blob. Requires the stack
	// disabled.
	ErasePersistentInfo() error

	ActiveDatasetTlvs() ([]byte, bool)
	PendingDatasetTlvs() ([]byte, bool)
	SetActiveDatasetTlvs(tlvs []byte) error

	// SendMgmtPendingSet sends a Management Pending Set and invokes done
	// when the stack's send callback fires.
	SendMgmtPendingSet(tlvs []byte, done func(err error)) error

	SupportedChannelMask() uint32
	PreferredChannelMask() uint32
	SetRegion(regionCode string) error
	Region() string
	SetChannelMaxPower(channel uint8, maxPowerDbm int16) error

	ActiveScan(channelMask uint32, done func([]ActiveScanResult, error)) error
	EnergyScan(channelMask uint32, scanDuration time.Duration, done func([]EnergyScanResult, error)) error
	JoinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData string, done func(error)) error
	JoinerStop()

	AddOnMeshPrefix(prefix OnMeshPrefix) error
	RemoveOnMeshPrefix(prefix netip.Prefix) error
	OnMeshPrefixes() []OnMeshPrefix
	AddExternalRoute(route ExternalRoute) error
	RemoveExternalRoute(prefix netip.Prefix) error
	ExternalRoutes() []ExternalRoute

	LinkMode() LinkModeConfig
	SetLinkMode(mode LinkModeConfig) error

	// NetdataTlvs returns the (optionally stable-only) network data TLVs.
	NetdataTlvs(stable bool) []byte

	PartitionId() uint32
	Rloc16() uint16
	ExtendedAddress() uint64
	LeaderData() (LeaderData, error)
	LinkCounters() MacCounters
	Ip6Counters() Ip6Counters
	Uptime() time.Duration
	Version() string
	CoprocessorVersion() string

	SetNat64Enabled(enabled bool) error
	Nat64State() string
	Nat64Cidr() string

	// ActivateEphemeralKeyMode generates an ephemeral PSKc valid for the
	// given lifetime and returns it.
	ActivateEphemeralKeyMode(lifetime time.Duration) (string, error)
	DeactivateEphemeralKeyMode() error
	EphemeralKeyEnabled() bool

	// SetSrpServerUpdateHandler installs the advertising handler invoked
	// for every SRP update transaction.
	SetSrpServerUpdateHandler(handler SrpUpdateHandler)

	// HandleSrpServerUpdateResult finishes an SRP update transaction.
	HandleSrpServerUpdateResult(id SrpUpdateId, err error)

	// SrpServerHosts enumerates the currently registered SRP hosts.
	SrpServerHosts() []*SrpHost

	SetSrpServerEnabled(enabled bool)
}

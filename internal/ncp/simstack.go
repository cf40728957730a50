package ncp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// Role transition pacing for the simulated radio.
const (
	simAttachDelay = 50 * time.Millisecond
	simDetachDelay = 20 * time.Millisecond
	simScanDelay   = 30 * time.Millisecond
)

// SimStack is the in-memory Stack used in dry-run mode and by the test
// suite. It models the observable behaviour the host depends on: role
// transitions after enable/attach, graceful detach completion, dataset
// storage, and SRP server bookkeeping. It never touches a radio.
type SimStack struct {
	tasks *task.Runner

	initialized bool
	initTime    time.Time
	config      Config

	stateChanged ThreadStateChangedCallback

	role        DeviceRole
	ip6Enabled  bool
	threadUp    bool
	activeTlvs  []byte
	pendingTlvs []byte
	region      string

	channelMaxPowers map[uint8]int16

	prefixes []OnMeshPrefix
	routes   []ExternalRoute

	linkMode LinkModeConfig

	nat64Enabled bool
	ephemeralKey bool

	srpHandler SrpUpdateHandler
	srpHosts   []*SrpHost
	srpEnabled bool

	attachGeneration uint64
}

var _ Stack = (*SimStack)(nil)

// NewSimStack creates a simulated stack driven by the given task runner.
func NewSimStack(tasks *task.Runner) *SimStack {
	return &SimStack{tasks: tasks, channelMaxPowers: make(map[uint8]int16)}
}

// Init implements Stack.
func (s *SimStack) Init(config Config) error {
	if s.initialized {
		return otbr.Errorf(otbr.KindInvalidState, "stack already initialized")
	}
	if len(config.RadioUrls) > MaxRadioUrls {
		return otbr.Errorf(otbr.KindInvalidArgs, "%d radio URLs exceeds %d", len(config.RadioUrls), MaxRadioUrls)
	}
	s.initialized = true
	s.initTime = time.Now()
	s.config = config
	s.role = RoleDisabled
	return nil
}

// Deinit implements Stack.
func (s *SimStack) Deinit() {
	s.initialized = false
	s.stateChanged = nil
	s.role = RoleDisabled
	s.ip6Enabled = false
	s.threadUp = false
	s.attachGeneration++
}

// IsInitialized implements Stack.
func (s *SimStack) IsInitialized() bool { return s.initialized }

// SetStateChangedCallback implements Stack.
func (s *SimStack) SetStateChangedCallback(cb ThreadStateChangedCallback) {
	s.stateChanged = cb
}

// DeviceRole implements Stack.
func (s *SimStack) DeviceRole() DeviceRole { return s.role }

// Ip6IsEnabled implements Stack.
func (s *SimStack) Ip6IsEnabled() bool { return s.ip6Enabled }

// Ip6SetEnabled implements Stack.
func (s *SimStack) Ip6SetEnabled(enabled bool) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.ip6Enabled = enabled
	return nil
}

// ThreadSetEnabled implements Stack. Enabling with a stored dataset walks
// Detached -> Leader with simulated attach latency.
func (s *SimStack) ThreadSetEnabled(enabled bool) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.attachGeneration++

	if !enabled {
		s.threadUp = false
		s.setRole(RoleDisabled)
		return nil
	}

	if len(s.activeTlvs) == 0 {
		return otbr.Errorf(otbr.KindInvalidState, "no active dataset")
	}
	s.threadUp = true
	s.setRole(RoleDetached)

	generation := s.attachGeneration
	s.tasks.PostDelayed(simAttachDelay, func() {
		if s.initialized && s.threadUp && s.attachGeneration == generation {
			s.setRole(RoleLeader)
		}
	})
	return nil
}

// DetachGracefully implements Stack.
func (s *SimStack) DetachGracefully(done func()) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.attachGeneration++
	s.threadUp = false

	s.tasks.PostDelayed(simDetachDelay, func() {
		if s.initialized {
			s.setRole(RoleDisabled)
		}
		if done != nil {
			done()
		}
	})
	return nil
}

// ErasePersistentInfo implements Stack.
func (s *SimStack) ErasePersistentInfo() error {
	if s.role != RoleDisabled {
		return otbr.Errorf(otbr.KindInvalidState, "cannot erase while attached")
	}
	s.activeTlvs = nil
	s.pendingTlvs = nil
	return nil
}

// ActiveDatasetTlvs implements Stack.
func (s *SimStack) ActiveDatasetTlvs() ([]byte, bool) {
	if len(s.activeTlvs) == 0 {
		return nil, false
	}
	out := make([]byte, len(s.activeTlvs))
	copy(out, s.activeTlvs)
	return out, true
}

// PendingDatasetTlvs implements Stack.
func (s *SimStack) PendingDatasetTlvs() ([]byte, bool) {
	if len(s.pendingTlvs) == 0 {
		return nil, false
	}
	out := make([]byte, len(s.pendingTlvs))
	copy(out, s.pendingTlvs)
	return out, true
}

// SetActiveDatasetTlvs implements Stack.
func (s *SimStack) SetActiveDatasetTlvs(tlvs []byte) error {
	if !s.initialized {
		return errNotInitialized()
	}
	if _, err := ParseDatasetTlvs(tlvs); err != nil {
		return err
	}
	s.activeTlvs = append([]byte(nil), tlvs...)
	if s.stateChanged != nil {
		s.stateChanged(FlagActiveDatasetChanged)
	}
	return nil
}

// SendMgmtPendingSet implements Stack.
func (s *SimStack) SendMgmtPendingSet(tlvs []byte, done func(err error)) error {
	if !s.initialized {
		return errNotInitialized()
	}
	pending, err := ParseDatasetTlvs(tlvs)
	if err != nil {
		return err
	}
	if !pending.HasPendingTimestamp || !pending.HasDelayTimer {
		return otbr.Errorf(otbr.KindInvalidArgs, "pending dataset lacks timestamp or delay timer")
	}
	s.pendingTlvs = append([]byte(nil), tlvs...)

	s.tasks.PostDelayed(simScanDelay, func() {
		if done != nil {
			done(nil)
		}
	})
	return nil
}

// SupportedChannelMask implements Stack: the whole 2.4 GHz band.
func (s *SimStack) SupportedChannelMask() uint32 {
	var mask uint32
	for ch := MinChannel; ch <= MaxChannel; ch++ {
		mask |= 1 << uint(ch)
	}
	return mask
}

// PreferredChannelMask implements Stack.
func (s *SimStack) PreferredChannelMask() uint32 {
	return 1<<15 | 1<<20 | 1<<25
}

// SetRegion implements Stack.
func (s *SimStack) SetRegion(regionCode string) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.region = regionCode
	return nil
}

// Region implements Stack.
func (s *SimStack) Region() string { return s.region }

// SetChannelMaxPower implements Stack.
func (s *SimStack) SetChannelMaxPower(channel uint8, maxPowerDbm int16) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.channelMaxPowers[channel] = maxPowerDbm
	return nil
}

// ActiveScan implements Stack with one fabricated beacon.
func (s *SimStack) ActiveScan(channelMask uint32, done func([]ActiveScanResult, error)) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.tasks.PostDelayed(simScanDelay, func() {
		done([]ActiveScanResult{{
			ExtAddress:    0x1122334455667788,
			NetworkName:   "SimNetwork",
			ExtendedPanId: 0xdead00beef00cafe,
			PanId:         0x1234,
			JoinerUdpPort: 1000,
			Channel:       15,
			Rssi:          -40,
			Lqi:           200,
			Version:       4,
		}}, nil)
	})
	return nil
}

// EnergyScan implements Stack with flat noise floor readings.
func (s *SimStack) EnergyScan(channelMask uint32, scanDuration time.Duration, done func([]EnergyScanResult, error)) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.tasks.PostDelayed(simScanDelay, func() {
		var results []EnergyScanResult
		for ch := uint8(MinChannel); ch <= MaxChannel; ch++ {
			if channelMask&(1<<uint(ch)) != 0 {
				results = append(results, EnergyScanResult{Channel: ch, MaxRssi: -95})
			}
		}
		done(results, nil)
	})
	return nil
}

// JoinerStart implements Stack; the simulated commissioner always admits.
func (s *SimStack) JoinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData string, done func(error)) error {
	if !s.initialized {
		return errNotInitialized()
	}
	if pskd == "" {
		return otbr.Errorf(otbr.KindInvalidArgs, "empty PSKd")
	}
	s.tasks.PostDelayed(simScanDelay, func() {
		if done != nil {
			done(nil)
		}
	})
	return nil
}

// JoinerStop implements Stack.
func (s *SimStack) JoinerStop() {}

// AddOnMeshPrefix implements Stack.
func (s *SimStack) AddOnMeshPrefix(prefix OnMeshPrefix) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.prefixes = append(s.prefixes, prefix)
	s.notifyNetdata()
	return nil
}

// RemoveOnMeshPrefix implements Stack.
func (s *SimStack) RemoveOnMeshPrefix(prefix netip.Prefix) error {
	if !s.initialized {
		return errNotInitialized()
	}
	for i, p := range s.prefixes {
		if p.Prefix == prefix {
			s.prefixes = append(s.prefixes[:i], s.prefixes[i+1:]...)
			s.notifyNetdata()
			return nil
		}
	}
	return otbr.Errorf(otbr.KindNotFound, "prefix %s not found", prefix)
}

// OnMeshPrefixes implements Stack.
func (s *SimStack) OnMeshPrefixes() []OnMeshPrefix { return s.prefixes }

// AddExternalRoute implements Stack.
func (s *SimStack) AddExternalRoute(route ExternalRoute) error {
	if !s.initialized {
		return errNotInitialized()
	}
	for _, r := range s.routes {
		if r.Prefix == route.Prefix {
			return otbr.Errorf(otbr.KindAlready, "route %s already present", route.Prefix)
		}
	}
	s.routes = append(s.routes, route)
	s.notifyNetdata()
	return nil
}

// RemoveExternalRoute implements Stack.
func (s *SimStack) RemoveExternalRoute(prefix netip.Prefix) error {
	if !s.initialized {
		return errNotInitialized()
	}
	for i, r := range s.routes {
		if r.Prefix == prefix {
			s.routes = append(s.routes[:i], s.routes[i+1:]...)
			s.notifyNetdata()
			return nil
		}
	}
	return otbr.Errorf(otbr.KindNotFound, "route %s not found", prefix)
}

// ExternalRoutes implements Stack.
func (s *SimStack) ExternalRoutes() []ExternalRoute { return s.routes }

// LinkMode implements Stack.
func (s *SimStack) LinkMode() LinkModeConfig { return s.linkMode }

// SetLinkMode implements Stack.
func (s *SimStack) SetLinkMode(mode LinkModeConfig) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.linkMode = mode
	return nil
}

// NetdataTlvs implements Stack. The simulation encodes one route entry per
// registered prefix so consumers see non-empty network data when attached.
func (s *SimStack) NetdataTlvs(stable bool) []byte {
	var out []byte
	for _, p := range s.prefixes {
		if stable && !p.Stable {
			continue
		}
		addr := p.Prefix.Addr().As16()
		entry := append([]byte{byte(p.Prefix.Bits())}, addr[:8]...)
		out = append(out, entry...)
	}
	return out
}

// PartitionId implements Stack.
func (s *SimStack) PartitionId() uint32 {
	if s.role.IsAttached() {
		return 0x0badcafe
	}
	return 0
}

// Rloc16 implements Stack.
func (s *SimStack) Rloc16() uint16 {
	if s.role == RoleLeader {
		return 0x0400
	}
	if s.role.IsAttached() {
		return 0x0401
	}
	return 0xfffe
}

// ExtendedAddress implements Stack.
func (s *SimStack) ExtendedAddress() uint64 { return 0x8877665544332211 }

// LeaderData implements Stack.
func (s *SimStack) LeaderData() (LeaderData, error) {
	if !s.role.IsAttached() {
		return LeaderData{}, otbr.Errorf(otbr.KindInvalidState, "not attached")
	}
	return LeaderData{
		PartitionId:       s.PartitionId(),
		Weighting:         64,
		DataVersion:       1,
		StableDataVersion: 1,
		LeaderRouterId:    1,
	}, nil
}

// LinkCounters implements Stack.
func (s *SimStack) LinkCounters() MacCounters { return MacCounters{} }

// Ip6Counters implements Stack.
func (s *SimStack) Ip6Counters() Ip6Counters { return Ip6Counters{} }

// Uptime implements Stack.
func (s *SimStack) Uptime() time.Duration {
	if !s.initialized {
		return 0
	}
	return time.Since(s.initTime)
}

// Version implements Stack.
func (s *SimStack) Version() string { return "OPENTHREAD/sim" }

// CoprocessorVersion implements Stack.
func (s *SimStack) CoprocessorVersion() string { return "SIMULATION/1.0" }

// SetNat64Enabled implements Stack.
func (s *SimStack) SetNat64Enabled(enabled bool) error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.nat64Enabled = enabled
	return nil
}

// Nat64State implements Stack.
func (s *SimStack) Nat64State() string {
	if s.nat64Enabled {
		return "running"
	}
	return "disabled"
}

// Nat64Cidr implements Stack.
func (s *SimStack) Nat64Cidr() string { return "192.168.255.0/24" }

// ActivateEphemeralKeyMode implements Stack.
func (s *SimStack) ActivateEphemeralKeyMode(lifetime time.Duration) (string, error) {
	if !s.initialized {
		return "", errNotInitialized()
	}
	if !s.role.IsAttached() {
		return "", otbr.Errorf(otbr.KindInvalidState, "not attached")
	}
	s.ephemeralKey = true
	return fmt.Sprintf("%09d", uint32(lifetime.Seconds())%1000000000), nil
}

// DeactivateEphemeralKeyMode implements Stack.
func (s *SimStack) DeactivateEphemeralKeyMode() error {
	if !s.initialized {
		return errNotInitialized()
	}
	s.ephemeralKey = false
	return nil
}

// EphemeralKeyEnabled implements Stack.
func (s *SimStack) EphemeralKeyEnabled() bool { return s.ephemeralKey }

// SetSrpServerUpdateHandler implements Stack.
func (s *SimStack) SetSrpServerUpdateHandler(handler SrpUpdateHandler) {
	s.srpHandler = handler
}

// HandleSrpServerUpdateResult implements Stack. The simulation discards the
// result; a real server would answer the SRP client.
func (s *SimStack) HandleSrpServerUpdateResult(id SrpUpdateId, err error) {}

// SrpServerHosts implements Stack.
func (s *SimStack) SrpServerHosts() []*SrpHost { return s.srpHosts }

// SetSrpServerEnabled implements Stack.
func (s *SimStack) SetSrpServerEnabled(enabled bool) { s.srpEnabled = enabled }

// SimulateSrpUpdate injects an SRP update as the SRP server would,
// returning whether a handler was installed. Test and dry-run hook.
func (s *SimStack) SimulateSrpUpdate(id SrpUpdateId, host *SrpHost, timeout time.Duration) bool {
	if s.srpHandler == nil {
		return false
	}
	s.srpHosts = append(s.srpHosts, host)
	s.srpHandler(id, host, timeout)
	return true
}

func (s *SimStack) setRole(role DeviceRole) {
	if s.role == role {
		return
	}
	s.role = role
	if s.stateChanged != nil {
		s.stateChanged(FlagRoleChanged)
	}
}

func (s *SimStack) notifyNetdata() {
	if s.stateChanged != nil {
		s.stateChanged(FlagNetdataChanged)
	}
}

func errNotInitialized() error {
	return otbr.Errorf(otbr.KindInvalidState, "OT is not initialized")
}

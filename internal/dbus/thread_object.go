package dbus

import (
	"time"

	godbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// BorderRouterInterface is the primary agent interface on the bus.
const BorderRouterInterface = "io.openthread.BorderRouter"

// OtbrVersion is the agent version reported on the bus.
const OtbrVersion = "0.3.0"

// threadVersion is the Thread protocol version (1.3).
const threadVersion = 4

// attachAllNodesDelay is the pending-dataset delay used by AttachAllNodesTo.
const attachAllNodesDelay = 300 * time.Second

// ScanResult is the wire shape of one active scan result.
type ScanResult struct {
	ExtAddress    uint64
	NetworkName   string
	ExtendedPanId uint64
	SteeringData  []byte
	PanId         uint16
	JoinerUdpPort uint16
	Channel       byte
	Rssi          int16
	Lqi           byte
	Version       byte
	IsNative      bool
	IsJoinable    bool
}

// EnergyScanResult is the wire shape of one energy scan reading.
type EnergyScanResult struct {
	Channel byte
	MaxRssi byte
}

// IpPrefix is the wire shape of an IPv6 prefix.
type IpPrefix struct {
	Prefix []byte
	Length byte
}

// OnMeshPrefix is the wire shape of a border router netdata entry.
type OnMeshPrefix struct {
	Prefix       IpPrefix
	Preference   int16
	Preferred    bool
	Slaac        bool
	Dhcp         bool
	Configure    bool
	DefaultRoute bool
	OnMesh       bool
	Stable       bool
}

// ExternalRoute is the wire shape of an external route netdata entry.
type ExternalRoute struct {
	Prefix              IpPrefix
	Preference          int16
	Stable              bool
	NextHopIsThisDevice bool
}

// LeaderData is the wire shape of the LeaderData property.
type LeaderData struct {
	PartitionId       uint32
	Weighting         byte
	DataVersion       byte
	StableDataVersion byte
	LeaderRouterId    byte
}

// LinkMode is the wire shape of the LinkMode property.
type LinkMode struct {
	RxOnWhenIdle bool
	DeviceType   bool
	NetworkData  bool
}

// MacCounters is the wire shape of the LinkCounters property.
type MacCounters struct {
	TxTotal   uint32
	TxUnicast uint32
	TxAckReq  uint32
	TxErrCca  uint32
	RxTotal   uint32
	RxUnicast uint32
	RxErrFcs  uint32
}

// IpCounters is the wire shape of the Ip6Counters property.
type IpCounters struct {
	TxSuccess uint32
	TxFailure uint32
	RxSuccess uint32
	RxFailure uint32
}

// ThreadObject fronts the RcpHost over D-Bus. It registers the method and
// property tables on a generic Object and emits PropertiesChanged when the
// device role changes.
type ThreadObject struct {
	*Object

	logger *zap.Logger
	host   *ncp.RcpHost
}

// NewThreadObject builds the BorderRouter object for the given host.
func NewThreadObject(logger *zap.Logger, conn *godbus.Conn, path godbus.ObjectPath, tasks *task.Runner, host *ncp.RcpHost) *ThreadObject {
	to := &ThreadObject{
		Object: NewObject(logger, conn, path, tasks),
		logger: logger,
		host:   host,
	}
	to.registerMethods()
	to.registerProperties()

	host.AddThreadStateChangedCallback(func(flags ncp.ChangedFlags) {
		if flags&ncp.FlagRoleChanged == 0 {
			return
		}
		role := host.DeviceRole().String()
		if err := to.SignalPropertyChanged(BorderRouterInterface, "DeviceRole", role); err != nil {
			logger.Warn("failed to signal DeviceRole change", zap.Error(err))
		}
	})
	return to
}

func (to *ThreadObject) registerMethods() {
	to.RegisterMethod(BorderRouterInterface, "Scan", to.scan)
	to.RegisterMethod(BorderRouterInterface, "EnergyScan", to.energyScan)
	to.RegisterMethod(BorderRouterInterface, "Attach", to.attach)
	to.RegisterMethod(BorderRouterInterface, "Detach", to.detach)
	to.RegisterMethod(BorderRouterInterface, "Reset", to.reset)
	to.RegisterMethod(BorderRouterInterface, "FactoryReset", to.factoryReset)
	to.RegisterMethod(BorderRouterInterface, "LeaveNetwork", to.leaveNetwork)
	to.RegisterMethod(BorderRouterInterface, "JoinerStart", to.joinerStart)
	to.RegisterMethod(BorderRouterInterface, "JoinerStop", to.joinerStop)
	to.RegisterMethod(BorderRouterInterface, "AddOnMeshPrefix", to.addOnMeshPrefix)
	to.RegisterMethod(BorderRouterInterface, "RemoveOnMeshPrefix", to.removeOnMeshPrefix)
	to.RegisterMethod(BorderRouterInterface, "AddExternalRoute", to.addExternalRoute)
	to.RegisterMethod(BorderRouterInterface, "RemoveExternalRoute", to.removeExternalRoute)
	to.RegisterMethod(BorderRouterInterface, "SetThreadEnabled", to.setThreadEnabled)
	to.RegisterMethod(BorderRouterInterface, "AttachAllNodesTo", to.attachAllNodesTo)
	to.RegisterMethod(BorderRouterInterface, "SetNat64Enabled", to.setNat64Enabled)
	to.RegisterMethod(BorderRouterInterface, "ActivateEphemeralKeyMode", to.activateEphemeralKeyMode)
	to.RegisterMethod(BorderRouterInterface, "DeactivateEphemeralKeyMode", to.deactivateEphemeralKeyMode)
	to.RegisterMethod(BorderRouterInterface, "SetLegacyUlaPrefix", to.setLegacyUlaPrefix)
	to.RegisterMethod(BorderRouterInterface, "SetChannelMaxPowers", to.setChannelMaxPowers)
	to.RegisterMethod(BorderRouterInterface, "GetChannelMasks", to.getChannelMasks)
	to.RegisterMethod(BorderRouterInterface, "SetCountryCode", to.setCountryCode)
}

func (to *ThreadObject) scan() ([]ScanResult, *godbus.Error) {
	var out []ScanResult
	err := to.CallAsync(func(deliver func(error)) {
		to.host.ThreadHelper().Scan(func(results []ncp.ActiveScanResult, err error) {
			for _, r := range results {
				out = append(out, ScanResult{
					ExtAddress:    r.ExtAddress,
					NetworkName:   r.NetworkName,
					ExtendedPanId: r.ExtendedPanId,
					SteeringData:  r.SteeringData,
					PanId:         r.PanId,
					JoinerUdpPort: r.JoinerUdpPort,
					Channel:       r.Channel,
					Rssi:          int16(r.Rssi),
					Lqi:           r.Lqi,
					Version:       r.Version,
					IsNative:      r.IsNative,
					IsJoinable:    r.Discover,
				})
			}
			deliver(err)
		})
	})
	return out, toDBusError(err)
}

func (to *ThreadObject) energyScan(scanDurationMs uint32) ([]EnergyScanResult, *godbus.Error) {
	var out []EnergyScanResult
	err := to.CallAsync(func(deliver func(error)) {
		duration := time.Duration(scanDurationMs) * time.Millisecond
		to.host.ThreadHelper().EnergyScan(duration, func(results []ncp.EnergyScanResult, err error) {
			for _, r := range results {
				out = append(out, EnergyScanResult{Channel: r.Channel, MaxRssi: byte(r.MaxRssi)})
			}
			deliver(err)
		})
	})
	return out, toDBusError(err)
}

func (to *ThreadObject) attach(networkKey []byte, panid uint16, name string, extPanId uint64, pskc []byte, channelMask uint32) *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.ThreadHelper().Attach(ncp.AttachParams{
			NetworkKey:  networkKey,
			PanId:       panid,
			NetworkName: name,
			ExtPanId:    extPanId,
			Pskc:        pskc,
			ChannelMask: channelMask,
		}, deliver)
	}))
}

func (to *ThreadObject) detach() *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.Leave(false, deliver)
	}))
}

func (to *ThreadObject) reset() *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		return to.host.Reset()
	}))
}

func (to *ThreadObject) factoryReset() *godbus.Error {
	err := to.CallAsync(func(deliver func(error)) {
		to.host.Leave(true, deliver)
	})
	if err != nil {
		return toDBusError(err)
	}
	return toDBusError(to.CallOnReactor(func() error {
		return to.host.Reset()
	}))
}

func (to *ThreadObject) leaveNetwork() *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.Leave(true, deliver)
	}))
}

func (to *ThreadObject) joinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData string) *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.ThreadHelper().JoinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData, deliver)
	}))
}

func (to *ThreadObject) joinerStop() *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		to.host.ThreadHelper().JoinerStop()
		return nil
	}))
}

func (to *ThreadObject) addOnMeshPrefix(prefix OnMeshPrefix) *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		p, err := parseIpPrefix(prefix.Prefix)
		if err != nil {
			return err
		}
		return to.host.Stack().AddOnMeshPrefix(ncp.OnMeshPrefix{
			Prefix:       p,
			Preference:   int8(prefix.Preference),
			Preferred:    prefix.Preferred,
			Slaac:        prefix.Slaac,
			Dhcp:         prefix.Dhcp,
			Configure:    prefix.Configure,
			DefaultRoute: prefix.DefaultRoute,
			OnMesh:       prefix.OnMesh,
			Stable:       prefix.Stable,
		})
	}))
}

func (to *ThreadObject) removeOnMeshPrefix(prefix IpPrefix) *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		p, err := parseIpPrefix(prefix)
		if err != nil {
			return err
		}
		return to.host.Stack().RemoveOnMeshPrefix(p)
	}))
}

func (to *ThreadObject) addExternalRoute(route ExternalRoute) *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		p, err := parseIpPrefix(route.Prefix)
		if err != nil {
			return err
		}
		return to.host.Stack().AddExternalRoute(ncp.ExternalRoute{
			Prefix:              p,
			Preference:          int8(route.Preference),
			Stable:              route.Stable,
			NextHopIsThisDevice: route.NextHopIsThisDevice,
		})
	}))
}

func (to *ThreadObject) removeExternalRoute(prefix IpPrefix) *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		p, err := parseIpPrefix(prefix)
		if err != nil {
			return err
		}
		return to.host.Stack().RemoveExternalRoute(p)
	}))
}

func (to *ThreadObject) setThreadEnabled(enabled bool) *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.SetThreadEnabled(enabled, deliver)
	}))
}

func (to *ThreadObject) attachAllNodesTo(datasetTlvs []byte) (int64, *godbus.Error) {
	pending, err := ncp.ParseDatasetTlvs(datasetTlvs)
	if err != nil {
		return 0, toDBusError(err)
	}
	pending.PendingTimestamp = pending.ActiveTimestamp + 1<<16
	pending.HasPendingTimestamp = true
	pending.DelayTimer = uint32(attachAllNodesDelay.Milliseconds())
	pending.HasDelayTimer = true

	pendingTlvs, err := pending.MarshalTlvs()
	if err != nil {
		return 0, toDBusError(err)
	}

	err = to.CallAsync(func(deliver func(error)) {
		to.host.ScheduleMigration(pendingTlvs, deliver)
	})
	if err != nil {
		return 0, toDBusError(err)
	}
	return attachAllNodesDelay.Milliseconds(), nil
}

func (to *ThreadObject) setNat64Enabled(enabled bool) *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		return to.host.Stack().SetNat64Enabled(enabled)
	}))
}

func (to *ThreadObject) activateEphemeralKeyMode(lifetimeMs uint32) (string, *godbus.Error) {
	var epskc string
	err := to.CallOnReactor(func() error {
		var err error
		epskc, err = to.host.Stack().ActivateEphemeralKeyMode(time.Duration(lifetimeMs) * time.Millisecond)
		return err
	})
	return epskc, toDBusError(err)
}

func (to *ThreadObject) deactivateEphemeralKeyMode() *godbus.Error {
	return toDBusError(to.CallOnReactor(func() error {
		return to.host.Stack().DeactivateEphemeralKeyMode()
	}))
}

// setLegacyUlaPrefix is compiled out of current builds; the method stays on
// the bus for older integrators and reports NotImplemented.
func (to *ThreadObject) setLegacyUlaPrefix(prefix []byte) *godbus.Error {
	return toDBusError(otbr.Errorf(otbr.KindNotImplemented, "legacy ULA prefix is not supported"))
}

func (to *ThreadObject) setChannelMaxPowers(powers []struct {
	Channel  uint16
	MaxPower int16
}) *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		converted := make([]ncp.ChannelMaxPower, 0, len(powers))
		for _, p := range powers {
			converted = append(converted, ncp.ChannelMaxPower{Channel: uint8(p.Channel), MaxPowerDbm: p.MaxPower})
		}
		to.host.SetChannelMaxPowers(converted, deliver)
	}))
}

func (to *ThreadObject) getChannelMasks() (uint32, uint32, *godbus.Error) {
	var supported, preferred uint32
	err := to.CallAsync(func(deliver func(error)) {
		to.host.GetChannelMasks(func(s, p uint32) {
			supported, preferred = s, p
			deliver(nil)
		}, deliver)
	})
	return supported, preferred, toDBusError(err)
}

func (to *ThreadObject) setCountryCode(code string) *godbus.Error {
	return toDBusError(to.CallAsync(func(deliver func(error)) {
		to.host.SetCountryCode(code, deliver)
	}))
}

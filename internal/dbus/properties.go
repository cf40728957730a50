package dbus

import (
	"encoding/binary"
	"net/netip"

	godbus "github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// SrpServerInfo is the wire shape of the SrpServerInfo property.
type SrpServerInfo struct {
	State    string
	Port     uint16
	Hosts    uint32
	Services uint32
}

// InfraLinkInfo is the wire shape of the InfraLinkInfo property.
type InfraLinkInfo struct {
	Name      string
	IsUp      bool
	IsRunning bool
}

// TrelInfo is the wire shape of the TrelInfo property.
type TrelInfo struct {
	Enabled     bool
	NumPeers    uint16
	TxPackets   uint64
	TxBytes     uint64
	RxPackets   uint64
	RxBytes     uint64
}

// Counter blocks reported as flat structs; the simulation reports zeros
// until the stack feeds real values.
type DnssdCounters struct {
	SuccessResponse    uint32
	ServerFailure      uint32
	FormatError        uint32
	NameError          uint32
	NotImplemented     uint32
	OtherResponse      uint32
	ResolvedBySrp      uint32
}

// BorderRoutingCounters is the wire shape of the BorderRoutingCounters
// property.
type BorderRoutingCounters struct {
	InboundUnicastPackets    uint64
	InboundUnicastBytes      uint64
	InboundMulticastPackets  uint64
	InboundMulticastBytes    uint64
	OutboundUnicastPackets   uint64
	OutboundUnicastBytes     uint64
	OutboundMulticastPackets uint64
	OutboundMulticastBytes   uint64
	RaRx                     uint32
	RaTxSuccess              uint32
	RsRx                     uint32
	RsTxSuccess              uint32
}

func (to *ThreadObject) registerProperties() {
	iface := BorderRouterInterface
	host := to.host
	stack := host.Stack

	get := to.RegisterGetProperty
	set := to.RegisterSetProperty

	get(iface, "DeviceRole", func() (interface{}, error) {
		return host.DeviceRole().String(), nil
	})
	get(iface, "LinkMode", func() (interface{}, error) {
		m := stack().LinkMode()
		return LinkMode{RxOnWhenIdle: m.RxOnWhenIdle, DeviceType: m.DeviceType, NetworkData: m.NetworkData}, nil
	})
	set(iface, "LinkMode", func(value godbus.Variant) error {
		var m LinkMode
		if err := value.Store(&m); err != nil {
			return otbr.Wrap(otbr.KindParse, err, "failed to decode LinkMode")
		}
		return stack().SetLinkMode(ncp.LinkModeConfig{RxOnWhenIdle: m.RxOnWhenIdle, DeviceType: m.DeviceType, NetworkData: m.NetworkData})
	})

	get(iface, "NetworkName", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return d.NetworkName, nil
	})
	get(iface, "PanId", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return d.PanId, nil
	})
	get(iface, "ExtPanId", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(d.ExtPanId[:]), nil
	})
	get(iface, "Channel", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return d.Channel, nil
	})
	get(iface, "NetworkKey", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return d.NetworkKey[:], nil
	})
	get(iface, "MeshLocalPrefix", func() (interface{}, error) {
		d, err := to.activeDataset()
		if err != nil {
			return nil, err
		}
		return d.MeshLocalPrefix[:], nil
	})

	get(iface, "Rloc16", func() (interface{}, error) {
		return stack().Rloc16(), nil
	})
	get(iface, "ExtendedAddress", func() (interface{}, error) {
		return stack().ExtendedAddress(), nil
	})
	get(iface, "RouterId", func() (interface{}, error) {
		return byte(stack().Rloc16() >> 10), nil
	})
	get(iface, "LeaderData", func() (interface{}, error) {
		ld, err := stack().LeaderData()
		if err != nil {
			return nil, err
		}
		return LeaderData{
			PartitionId:       ld.PartitionId,
			Weighting:         ld.Weighting,
			DataVersion:       ld.DataVersion,
			StableDataVersion: ld.StableDataVersion,
			LeaderRouterId:    ld.LeaderRouterId,
		}, nil
	})

	get(iface, "NetworkData", func() (interface{}, error) {
		return stack().NetdataTlvs(false), nil
	})
	get(iface, "StableNetworkData", func() (interface{}, error) {
		return stack().NetdataTlvs(true), nil
	})

	get(iface, "ActiveDatasetTlvs", func() (interface{}, error) {
		tlvs, ok := host.DatasetActiveTlvs()
		if !ok {
			return []byte{}, nil
		}
		return tlvs, nil
	})
	set(iface, "ActiveDatasetTlvs", func(value godbus.Variant) error {
		var tlvs []byte
		if err := value.Store(&tlvs); err != nil {
			return otbr.Wrap(otbr.KindParse, err, "failed to decode dataset TLVs")
		}
		return stack().SetActiveDatasetTlvs(tlvs)
	})
	get(iface, "PendingDatasetTlvs", func() (interface{}, error) {
		tlvs, ok := host.DatasetPendingTlvs()
		if !ok {
			return []byte{}, nil
		}
		return tlvs, nil
	})

	get(iface, "RadioRegion", func() (interface{}, error) {
		return stack().Region(), nil
	})
	set(iface, "RadioRegion", func(value godbus.Variant) error {
		var code string
		if err := value.Store(&code); err != nil {
			return otbr.Wrap(otbr.KindParse, err, "failed to decode region code")
		}
		if len(code) != 2 {
			return otbr.Errorf(otbr.KindInvalidArgs, "invalid region code %q", code)
		}
		return stack().SetRegion(code)
	})

	get(iface, "SupportedChannelMask", func() (interface{}, error) {
		return stack().SupportedChannelMask(), nil
	})
	get(iface, "PreferredChannelMask", func() (interface{}, error) {
		return stack().PreferredChannelMask(), nil
	})

	get(iface, "LinkCounters", func() (interface{}, error) {
		c := stack().LinkCounters()
		return MacCounters{
			TxTotal:   c.TxTotal,
			TxUnicast: c.TxUnicast,
			TxAckReq:  c.TxAckReq,
			TxErrCca:  c.TxErrCca,
			RxTotal:   c.RxTotal,
			RxUnicast: c.RxUnicast,
			RxErrFcs:  c.RxErrFcs,
		}, nil
	})
	get(iface, "Ip6Counters", func() (interface{}, error) {
		c := stack().Ip6Counters()
		return IpCounters{
			TxSuccess: c.TxSuccess,
			TxFailure: c.TxFailure,
			RxSuccess: c.RxSuccess,
			RxFailure: c.RxFailure,
		}, nil
	})

	get(iface, "OnMeshPrefixes", func() (interface{}, error) {
		prefixes := stack().OnMeshPrefixes()
		out := make([]OnMeshPrefix, 0, len(prefixes))
		for _, p := range prefixes {
			out = append(out, OnMeshPrefix{
				Prefix:       encodeIpPrefix(p.Prefix),
				Preference:   int16(p.Preference),
				Preferred:    p.Preferred,
				Slaac:        p.Slaac,
				Dhcp:         p.Dhcp,
				Configure:    p.Configure,
				DefaultRoute: p.DefaultRoute,
				OnMesh:       p.OnMesh,
				Stable:       p.Stable,
			})
		}
		return out, nil
	})
	get(iface, "ExternalRoutes", func() (interface{}, error) {
		routes := stack().ExternalRoutes()
		out := make([]ExternalRoute, 0, len(routes))
		for _, r := range routes {
			out = append(out, ExternalRoute{
				Prefix:              encodeIpPrefix(r.Prefix),
				Preference:          int16(r.Preference),
				Stable:              r.Stable,
				NextHopIsThisDevice: r.NextHopIsThisDevice,
			})
		}
		return out, nil
	})

	get(iface, "SrpServerInfo", func() (interface{}, error) {
		hosts := stack().SrpServerHosts()
		services := 0
		for _, h := range hosts {
			services += len(h.Services)
		}
		return SrpServerInfo{
			State:    "running",
			Port:     53535,
			Hosts:    uint32(len(hosts)),
			Services: uint32(services),
		}, nil
	})
	get(iface, "TrelInfo", func() (interface{}, error) {
		return TrelInfo{}, nil
	})
	get(iface, "DnssdCounters", func() (interface{}, error) {
		return DnssdCounters{}, nil
	})
	get(iface, "BorderRoutingCounters", func() (interface{}, error) {
		return BorderRoutingCounters{}, nil
	})

	get(iface, "Nat64State", func() (interface{}, error) {
		return stack().Nat64State(), nil
	})
	get(iface, "Nat64Cidr", func() (interface{}, error) {
		return stack().Nat64Cidr(), nil
	})
	get(iface, "Nat64Mappings", func() (interface{}, error) {
		return []string{}, nil
	})
	get(iface, "EphemeralKeyEnabled", func() (interface{}, error) {
		return stack().EphemeralKeyEnabled(), nil
	})

	get(iface, "InfraLinkInfo", func() (interface{}, error) {
		return InfraLinkInfo{Name: host.InterfaceName(), IsUp: host.Ip6IsEnabled(), IsRunning: host.DeviceRole().IsAttached()}, nil
	})
	get(iface, "TelemetryData", func() (interface{}, error) {
		// No telemetry collector feeds this property; it always carries
		// an empty blob.
		return []byte{}, nil
	})
	get(iface, "Capabilities", func() (interface{}, error) {
		return []string{"nat64", "dhcp6-pd", "srp-advertising-proxy"}, nil
	})

	get(iface, "Uptime", func() (interface{}, error) {
		return uint64(stack().Uptime().Milliseconds()), nil
	})
	get(iface, "OtbrVersion", func() (interface{}, error) {
		return OtbrVersion, nil
	})
	get(iface, "OtHostVersion", func() (interface{}, error) {
		return stack().Version(), nil
	})
	get(iface, "OtRcpVersion", func() (interface{}, error) {
		return stack().CoprocessorVersion(), nil
	})
	get(iface, "ThreadVersion", func() (interface{}, error) {
		return uint16(threadVersion), nil
	})
}

// activeDataset reads and parses the active dataset, failing NotFound when
// none is stored.
func (to *ThreadObject) activeDataset() (*ncp.Dataset, error) {
	tlvs, ok := to.host.DatasetActiveTlvs()
	if !ok {
		return nil, otbr.Errorf(otbr.KindNotFound, "no active dataset")
	}
	return ncp.ParseDatasetTlvs(tlvs)
}

func encodeIpPrefix(p netip.Prefix) IpPrefix {
	addr := p.Addr().As16()
	return IpPrefix{Prefix: addr[:], Length: byte(p.Bits())}
}

func parseIpPrefix(p IpPrefix) (netip.Prefix, error) {
	addr, ok := netip.AddrFromSlice(p.Prefix)
	if !ok {
		return netip.Prefix{}, otbr.Errorf(otbr.KindInvalidArgs, "invalid prefix bytes")
	}
	prefix := netip.PrefixFrom(addr, int(p.Length))
	if !prefix.IsValid() {
		return netip.Prefix{}, otbr.Errorf(otbr.KindInvalidArgs, "invalid prefix length %d", p.Length)
	}
	return prefix, nil
}

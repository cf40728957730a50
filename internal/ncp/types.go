// Package ncp implements the RCP host: ownership of the Thread stack
// instance, the network-control state machine, and the helper used by the
// D-Bus front end.
//
// All methods run on the reactor goroutine. Asynchronous operations return
// immediately and deliver their result through a receiver queued on the
// task runner, never re-entrantly from within the requesting call.
package ncp

import "fmt"

// DeviceRole mirrors the Thread stack's device role.
type DeviceRole int

const (
	RoleDisabled DeviceRole = iota
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

// String returns the role name used on the D-Bus surface.
func (r DeviceRole) String() string {
	switch r {
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// IsAttached reports whether the role participates in a partition.
func (r DeviceRole) IsAttached() bool {
	return r == RoleChild || r == RoleRouter || r == RoleLeader
}

// ThreadEnabledState is the coarse enablement state exposed to integrators.
type ThreadEnabledState int

const (
	StateDisabled ThreadEnabledState = iota
	StateEnabling
	StateEnabled
	StateDisabling
)

// String returns the state name.
func (s ThreadEnabledState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateEnabling:
		return "Enabling"
	case StateEnabled:
		return "Enabled"
	case StateDisabling:
		return "Disabling"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ChangedFlags is the bitmask delivered by the stack's state-changed
// callback.
type ChangedFlags uint32

const (
	// FlagRoleChanged is set when the device role changed.
	FlagRoleChanged ChangedFlags = 1 << 0

	// FlagActiveDatasetChanged is set when the active dataset changed.
	FlagActiveDatasetChanged ChangedFlags = 1 << 1

	// FlagNetdataChanged is set when the network data changed.
	FlagNetdataChanged ChangedFlags = 1 << 2
)

// AsyncResultReceiver delivers an operation result exactly once. A nil
// error means success.
type AsyncResultReceiver func(err error)

// ChannelMasksReceiver delivers the supported and preferred channel masks.
type ChannelMasksReceiver func(supported, preferred uint32)

// ThreadStateChangedCallback observes stack state-change events.
type ThreadStateChangedCallback func(flags ChangedFlags)

// ThreadEnabledStateCallback observes enablement state transitions.
type ThreadEnabledStateCallback func(state ThreadEnabledState)

// ChannelMaxPower pairs an IEEE 802.15.4 channel with its maximum transmit
// power.
type ChannelMaxPower struct {
	Channel     uint8
	MaxPowerDbm int16
}

// LinkModeConfig is the MLE link mode configuration.
type LinkModeConfig struct {
	RxOnWhenIdle bool
	DeviceType   bool
	NetworkData  bool
}

// LeaderData mirrors the stack's leader data.
type LeaderData struct {
	PartitionId       uint32
	Weighting         uint8
	DataVersion       uint8
	StableDataVersion uint8
	LeaderRouterId    uint8
}

// ActiveScanResult is one beacon heard during an active scan.
type ActiveScanResult struct {
	ExtAddress      uint64
	NetworkName     string
	ExtendedPanId   uint64
	SteeringData    []byte
	PanId           uint16
	JoinerUdpPort   uint16
	Channel         uint8
	Rssi            int8
	Lqi             uint8
	Version         uint8
	IsNative        bool
	Discover        bool
}

// EnergyScanResult is one channel's maximum RSSI during an energy scan.
type EnergyScanResult struct {
	Channel uint8
	MaxRssi int8
}

// MacCounters is the subset of link counters surfaced over D-Bus.
type MacCounters struct {
	TxTotal   uint32
	TxUnicast uint32
	TxAckReq  uint32
	TxErrCca  uint32
	RxTotal   uint32
	RxUnicast uint32
	RxErrFcs  uint32
}

// Ip6Counters is the subset of IP counters surfaced over D-Bus.
type Ip6Counters struct {
	TxSuccess uint32
	TxFailure uint32
	RxSuccess uint32
	RxFailure uint32
}

// Channel band limits for IEEE 802.15.4 in the 2.4 GHz band.
const (
	MinChannel = 11
	MaxChannel = 26
)

package ncp

import (
	"bytes"
	"encoding/binary"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// MeshCoP TLV types used in operational datasets.
const (
	tlvChannel         = 0
	tlvPanId           = 1
	tlvExtPanId        = 2
	tlvNetworkName     = 3
	tlvPskc            = 4
	tlvNetworkKey      = 5
	tlvMeshLocalPrefix = 7
	tlvSecurityPolicy  = 12
	tlvActiveTimestamp = 14
	tlvPendingTimestamp = 51
	tlvDelayTimer      = 52
	tlvChannelMask     = 53
)

// maxDatasetTlvsLength bounds an encoded operational dataset.
const maxDatasetTlvsLength = 254

// Dataset is a decoded Thread Operational Dataset. Presence of each
// component is tracked separately since a dataset may be partial.
type Dataset struct {
	ActiveTimestamp  uint64
	PendingTimestamp uint64
	DelayTimer       uint32
	Channel          uint16
	ChannelMask      uint32
	PanId            uint16
	ExtPanId         [8]byte
	NetworkName      string
	NetworkKey       [16]byte
	Pskc             [16]byte
	MeshLocalPrefix  [8]byte
	SecurityPolicy   SecurityPolicy

	HasActiveTimestamp  bool
	HasPendingTimestamp bool
	HasDelayTimer       bool
	HasChannel          bool
	HasChannelMask      bool
	HasPanId            bool
	HasExtPanId         bool
	HasNetworkName      bool
	HasNetworkKey       bool
	HasPskc             bool
	HasMeshLocalPrefix  bool
	HasSecurityPolicy   bool
}

// SecurityPolicy is the dataset security policy: rotation time plus flags.
type SecurityPolicy struct {
	RotationHours uint16
	Flags         uint8
}

// MarshalTlvs encodes the dataset into MeshCoP TLV wire format. Components
// are emitted in ascending TLV type order so encoding is deterministic.
func (d *Dataset) MarshalTlvs() ([]byte, error) {
	var buf bytes.Buffer

	writeTlv := func(tlvType byte, value []byte) {
		buf.WriteByte(tlvType)
		buf.WriteByte(byte(len(value)))
		buf.Write(value)
	}

	if d.HasChannel {
		// Channel TLV carries the channel page followed by the channel.
		v := make([]byte, 3)
		binary.BigEndian.PutUint16(v[1:], d.Channel)
		writeTlv(tlvChannel, v)
	}
	if d.HasPanId {
		v := make([]byte, 2)
		binary.BigEndian.PutUint16(v, d.PanId)
		writeTlv(tlvPanId, v)
	}
	if d.HasExtPanId {
		writeTlv(tlvExtPanId, d.ExtPanId[:])
	}
	if d.HasNetworkName {
		if len(d.NetworkName) == 0 || len(d.NetworkName) > 16 {
			return nil, otbr.Errorf(otbr.KindInvalidArgs, "network name length %d out of range", len(d.NetworkName))
		}
		writeTlv(tlvNetworkName, []byte(d.NetworkName))
	}
	if d.HasPskc {
		writeTlv(tlvPskc, d.Pskc[:])
	}
	if d.HasNetworkKey {
		writeTlv(tlvNetworkKey, d.NetworkKey[:])
	}
	if d.HasMeshLocalPrefix {
		writeTlv(tlvMeshLocalPrefix, d.MeshLocalPrefix[:])
	}
	if d.HasSecurityPolicy {
		v := make([]byte, 3)
		binary.BigEndian.PutUint16(v, d.SecurityPolicy.RotationHours)
		v[2] = d.SecurityPolicy.Flags
		writeTlv(tlvSecurityPolicy, v)
	}
	if d.HasActiveTimestamp {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, d.ActiveTimestamp)
		writeTlv(tlvActiveTimestamp, v)
	}
	if d.HasPendingTimestamp {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, d.PendingTimestamp)
		writeTlv(tlvPendingTimestamp, v)
	}
	if d.HasDelayTimer {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, d.DelayTimer)
		writeTlv(tlvDelayTimer, v)
	}
	if d.HasChannelMask {
		// One channel mask entry for page 0.
		v := make([]byte, 6)
		v[0] = 0
		v[1] = 4
		binary.BigEndian.PutUint32(v[2:], d.ChannelMask)
		writeTlv(tlvChannelMask, v)
	}

	if buf.Len() > maxDatasetTlvsLength {
		return nil, otbr.Errorf(otbr.KindInvalidArgs, "dataset TLVs length %d exceeds %d", buf.Len(), maxDatasetTlvsLength)
	}
	return buf.Bytes(), nil
}

// ParseDatasetTlvs decodes MeshCoP TLV wire format. Unknown TLV types are
// skipped; truncated TLVs are a parse error.
func ParseDatasetTlvs(data []byte) (*Dataset, error) {
	if len(data) > maxDatasetTlvsLength {
		return nil, otbr.Errorf(otbr.KindInvalidArgs, "dataset TLVs length %d exceeds %d", len(data), maxDatasetTlvsLength)
	}

	d := &Dataset{}
	for offset := 0; offset < len(data); {
		if offset+2 > len(data) {
			return nil, otbr.Errorf(otbr.KindParse, "truncated TLV header at offset %d", offset)
		}
		tlvType := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil, otbr.Errorf(otbr.KindParse, "TLV %d overruns dataset at offset %d", tlvType, offset)
		}
		value := data[offset : offset+length]
		offset += length

		switch tlvType {
		case tlvChannel:
			if length != 3 {
				return nil, otbr.Errorf(otbr.KindParse, "channel TLV length %d, want 3", length)
			}
			d.Channel = binary.BigEndian.Uint16(value[1:])
			d.HasChannel = true
		case tlvPanId:
			if length != 2 {
				return nil, otbr.Errorf(otbr.KindParse, "pan id TLV length %d, want 2", length)
			}
			d.PanId = binary.BigEndian.Uint16(value)
			d.HasPanId = true
		case tlvExtPanId:
			if length != 8 {
				return nil, otbr.Errorf(otbr.KindParse, "ext pan id TLV length %d, want 8", length)
			}
			copy(d.ExtPanId[:], value)
			d.HasExtPanId = true
		case tlvNetworkName:
			if length == 0 || length > 16 {
				return nil, otbr.Errorf(otbr.KindParse, "network name TLV length %d out of range", length)
			}
			d.NetworkName = string(value)
			d.HasNetworkName = true
		case tlvPskc:
			if length != 16 {
				return nil, otbr.Errorf(otbr.KindParse, "pskc TLV length %d, want 16", length)
			}
			copy(d.Pskc[:], value)
			d.HasPskc = true
		case tlvNetworkKey:
			if length != 16 {
				return nil, otbr.Errorf(otbr.KindParse, "network key TLV length %d, want 16", length)
			}
			copy(d.NetworkKey[:], value)
			d.HasNetworkKey = true
		case tlvMeshLocalPrefix:
			if length != 8 {
				return nil, otbr.Errorf(otbr.KindParse, "mesh-local prefix TLV length %d, want 8", length)
			}
			copy(d.MeshLocalPrefix[:], value)
			d.HasMeshLocalPrefix = true
		case tlvSecurityPolicy:
			if length < 3 {
				return nil, otbr.Errorf(otbr.KindParse, "security policy TLV length %d, want >= 3", length)
			}
			d.SecurityPolicy.RotationHours = binary.BigEndian.Uint16(value)
			d.SecurityPolicy.Flags = value[2]
			d.HasSecurityPolicy = true
		case tlvActiveTimestamp:
			if length != 8 {
				return nil, otbr.Errorf(otbr.KindParse, "active timestamp TLV length %d, want 8", length)
			}
			d.ActiveTimestamp = binary.BigEndian.Uint64(value)
			d.HasActiveTimestamp = true
		case tlvPendingTimestamp:
			if length != 8 {
				return nil, otbr.Errorf(otbr.KindParse, "pending timestamp TLV length %d, want 8", length)
			}
			d.PendingTimestamp = binary.BigEndian.Uint64(value)
			d.HasPendingTimestamp = true
		case tlvDelayTimer:
			if length != 4 {
				return nil, otbr.Errorf(otbr.KindParse, "delay timer TLV length %d, want 4", length)
			}
			d.DelayTimer = binary.BigEndian.Uint32(value)
			d.HasDelayTimer = true
		case tlvChannelMask:
			if length >= 6 && value[0] == 0 && value[1] == 4 {
				d.ChannelMask = binary.BigEndian.Uint32(value[2:6])
				d.HasChannelMask = true
			}
		default:
			// Unknown TLVs are preserved by the stack, not by us; skip.
		}
	}
	return d, nil
}

// SameNetwork reports whether two datasets identify the same Thread
// network: equal channel, network key and extended PAN id.
func (d *Dataset) SameNetwork(other *Dataset) bool {
	return d.HasChannel == other.HasChannel && d.Channel == other.Channel &&
		d.HasNetworkKey == other.HasNetworkKey && d.NetworkKey == other.NetworkKey &&
		d.HasExtPanId == other.HasExtPanId && d.ExtPanId == other.ExtPanId
}

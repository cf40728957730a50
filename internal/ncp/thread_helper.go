package ncp

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// ThreadHelper wraps the scan, attach and joiner primitives consumed by the
// D-Bus front end. It holds a back-reference to its host used only to post
// tasks and reach the stack; the helper's lifetime equals the host's.
type ThreadHelper struct {
	host *RcpHost
}

func newThreadHelper(host *RcpHost) *ThreadHelper {
	return &ThreadHelper{host: host}
}

// Scan performs an active 802.15.4 scan over the supported channels.
func (t *ThreadHelper) Scan(receiver func(results []ActiveScanResult, err error)) {
	host := t.host
	if !host.initialized {
		host.tasks.Post(func() { receiver(nil, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized")) })
		return
	}
	err := host.stack.ActiveScan(host.stack.SupportedChannelMask(), receiver)
	if err != nil {
		host.tasks.Post(func() { receiver(nil, err) })
	}
}

// EnergyScan measures per-channel maximum RSSI over the supported channels.
func (t *ThreadHelper) EnergyScan(scanDuration time.Duration, receiver func(results []EnergyScanResult, err error)) {
	host := t.host
	if !host.initialized {
		host.tasks.Post(func() { receiver(nil, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized")) })
		return
	}
	err := host.stack.EnergyScan(host.stack.SupportedChannelMask(), scanDuration, receiver)
	if err != nil {
		host.tasks.Post(func() { receiver(nil, err) })
	}
}

// AttachParams carries the fields of an Attach request. Zero-valued fields
// are generated.
type AttachParams struct {
	NetworkKey  []byte
	PanId       uint16
	NetworkName string
	ExtPanId    uint64
	Pskc        []byte
	ChannelMask uint32
}

// Attach builds an operational dataset from the parameters, generating any
// absent secrets, and joins it through the host.
func (t *ThreadHelper) Attach(params AttachParams, receiver AsyncResultReceiver) {
	host := t.host

	dataset, err := t.buildDataset(params)
	if err != nil {
		host.deliver(receiver, err)
		return
	}
	tlvs, err := dataset.MarshalTlvs()
	if err != nil {
		host.deliver(receiver, err)
		return
	}
	host.Join(tlvs, receiver)
}

// JoinerStart begins commissioning this device into an existing network.
func (t *ThreadHelper) JoinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData string, receiver AsyncResultReceiver) {
	host := t.host
	if !host.initialized {
		host.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if host.stack.DeviceRole() != RoleDisabled {
		host.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "cannot start joiner while attached"))
		return
	}
	if err := host.stack.Ip6SetEnabled(true); err != nil {
		host.deliver(receiver, err)
		return
	}
	err := host.stack.JoinerStart(pskd, provisioningUrl, vendorName, vendorModel, vendorSwVersion, vendorData, func(err error) {
		host.deliver(receiver, err)
	})
	if err != nil {
		host.deliver(receiver, err)
	}
}

// JoinerStop cancels an in-flight joiner session.
func (t *ThreadHelper) JoinerStop() {
	if t.host.initialized {
		t.host.stack.JoinerStop()
	}
}

func (t *ThreadHelper) buildDataset(params AttachParams) (*Dataset, error) {
	d := &Dataset{}

	d.HasActiveTimestamp = true
	d.ActiveTimestamp = 1 << 16 // seconds=1, ticks=0, authoritative=0

	if len(params.NetworkKey) > 0 {
		if len(params.NetworkKey) != 16 {
			return nil, otbr.Errorf(otbr.KindInvalidArgs, "network key length %d, want 16", len(params.NetworkKey))
		}
		copy(d.NetworkKey[:], params.NetworkKey)
	} else if err := fillRandom(d.NetworkKey[:]); err != nil {
		return nil, err
	}
	d.HasNetworkKey = true

	if len(params.Pskc) > 0 {
		if len(params.Pskc) != 16 {
			return nil, otbr.Errorf(otbr.KindInvalidArgs, "pskc length %d, want 16", len(params.Pskc))
		}
		copy(d.Pskc[:], params.Pskc)
	} else if err := fillRandom(d.Pskc[:]); err != nil {
		return nil, err
	}
	d.HasPskc = true

	if params.NetworkName != "" {
		d.NetworkName = params.NetworkName
	} else {
		d.NetworkName = "OpenThread"
	}
	d.HasNetworkName = true

	if params.PanId != 0xffff && params.PanId != 0 {
		d.PanId = params.PanId
	} else if err := randomPanId(&d.PanId); err != nil {
		return nil, err
	}
	d.HasPanId = true

	if params.ExtPanId != 0 {
		binary.BigEndian.PutUint64(d.ExtPanId[:], params.ExtPanId)
	} else if err := fillRandom(d.ExtPanId[:]); err != nil {
		return nil, err
	}
	d.HasExtPanId = true

	mask := params.ChannelMask
	if mask == 0 {
		mask = t.host.stack.PreferredChannelMask()
		if mask == 0 {
			mask = t.host.stack.SupportedChannelMask()
		}
	}
	d.ChannelMask = mask
	d.HasChannelMask = true
	d.Channel = lowestChannel(mask)
	d.HasChannel = true

	d.SecurityPolicy = SecurityPolicy{RotationHours: 672, Flags: 0xff}
	d.HasSecurityPolicy = true

	return d, nil
}

func lowestChannel(mask uint32) uint16 {
	for ch := uint16(MinChannel); ch <= MaxChannel; ch++ {
		if mask&(1<<uint(ch)) != 0 {
			return ch
		}
	}
	return MinChannel
}

func fillRandom(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to generate random bytes")
	}
	return nil
}

func randomPanId(out *uint16) error {
	var b [2]byte
	if err := fillRandom(b[:]); err != nil {
		return err
	}
	id := binary.BigEndian.Uint16(b[:])
	if id == 0xffff {
		id = 0xfffe
	}
	*out = id
	return nil
}

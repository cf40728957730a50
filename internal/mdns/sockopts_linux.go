//go:build linux

package mdns

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// setReuseOptions sets SO_REUSEADDR and SO_REUSEPORT so the agent can share
// port 5353 with Avahi and systemd-resolved. SO_REUSEPORT requires Linux
// 3.9+; older kernels fall back to SO_REUSEADDR only.
func setReuseOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to set SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		if err != unix.ENOPROTOOPT {
			return otbr.Wrap(otbr.KindGeneric, err, "failed to set SO_REUSEPORT")
		}
	}
	return nil
}

// joinGroupV4 joins the IPv4 mDNS group on the given interface using
// IP_ADD_MEMBERSHIP with an interface index.
func joinGroupV4(fd int, group netip.Addr, ifIndex int) error {
	mreq := &unix.IPMreqn{Ifindex: int32(ifIndex)}
	mreq.Multiaddr = group.As4()
	if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to join 224.0.0.251")
	}
	return nil
}

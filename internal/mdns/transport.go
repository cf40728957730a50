package mdns

import (
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// mdnsPort is the well-known multicast DNS port (RFC 6762 §5).
const mdnsPort = 5353

// Multicast groups per RFC 6762 §3.
var (
	mdnsGroupV6 = netip.MustParseAddr("ff02::fb")
	mdnsGroupV4 = netip.MustParseAddr("224.0.0.251")
)

// packet is one received datagram plus its source and arrival interface.
type packet struct {
	data     []byte
	src      netip.AddrPort
	ifIndex  uint32
	fromIPv4 bool
}

// transport abstracts the multicast sockets so the publisher can be tested
// without touching the network.
type transport interface {
	Open() error
	Close()
	SendMulticast(data []byte)
	SendUnicast(data []byte, dst netip.AddrPort)
	UpdateFds(ctx *mainloop.Context)
	ReadPackets(ctx *mainloop.Context) []packet
}

// multicastTransport owns one IPv6 and one IPv4 UDP socket bound to port
// 5353 on the infrastructure interface, both with SO_REUSEADDR and
// SO_REUSEPORT so the agent coexists with Avahi or systemd-resolved.
type multicastTransport struct {
	logger    *zap.Logger
	ifIndex   int
	fdV6      int
	fdV4      int
	recvLimit int
}

func newMulticastTransport(logger *zap.Logger, ifIndex int) *multicastTransport {
	return &multicastTransport{
		logger:    logger,
		ifIndex:   ifIndex,
		fdV6:      -1,
		fdV4:      -1,
		recvLimit: 32,
	}
}

// Open creates and binds both sockets. The IPv6 socket is required; a
// failure to open the IPv4 socket is logged and tolerated since IPv6-only
// infrastructure links are common.
func (t *multicastTransport) Open() error {
	fd6, err := t.openV6()
	if err != nil {
		t.Close()
		return err
	}
	t.fdV6 = fd6

	fd4, err := t.openV4()
	if err != nil {
		t.logger.Warn("IPv4 mDNS socket unavailable", zap.Error(err))
	} else {
		t.fdV4 = fd4
	}
	return nil
}

// Close closes both sockets.
func (t *multicastTransport) Close() {
	if t.fdV6 >= 0 {
		unix.Close(t.fdV6)
		t.fdV6 = -1
	}
	if t.fdV4 >= 0 {
		unix.Close(t.fdV4)
		t.fdV4 = -1
	}
}

// SendMulticast transmits one message to both mDNS groups.
func (t *multicastTransport) SendMulticast(data []byte) {
	if t.fdV6 >= 0 {
		sa := &unix.SockaddrInet6{Port: mdnsPort, Addr: mdnsGroupV6.As16(), ZoneId: uint32(t.ifIndex)}
		if err := unix.Sendto(t.fdV6, data, 0, sa); err != nil {
			t.logger.Warn("failed to send IPv6 multicast", zap.Error(err))
		}
	}
	if t.fdV4 >= 0 {
		sa := &unix.SockaddrInet4{Port: mdnsPort, Addr: mdnsGroupV4.As4()}
		if err := unix.Sendto(t.fdV4, data, 0, sa); err != nil {
			t.logger.Warn("failed to send IPv4 multicast", zap.Error(err))
		}
	}
}

// SendUnicast transmits one message directly to a querier that requested a
// unicast response.
func (t *multicastTransport) SendUnicast(data []byte, dst netip.AddrPort) {
	if dst.Addr().Is4() || dst.Addr().Is4In6() {
		if t.fdV4 < 0 {
			return
		}
		sa := &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().Unmap().As4()}
		if err := unix.Sendto(t.fdV4, data, 0, sa); err != nil {
			t.logger.Warn("failed to send IPv4 unicast", zap.Error(err))
		}
		return
	}
	if t.fdV6 < 0 {
		return
	}
	sa := &unix.SockaddrInet6{Port: int(dst.Port()), Addr: dst.Addr().As16()}
	if err := unix.Sendto(t.fdV6, data, 0, sa); err != nil {
		t.logger.Warn("failed to send IPv6 unicast", zap.Error(err))
	}
}

// UpdateFds adds the socket descriptors to the reactor context.
func (t *multicastTransport) UpdateFds(ctx *mainloop.Context) {
	if t.fdV6 >= 0 {
		ctx.AddFdToReadSet(t.fdV6)
	}
	if t.fdV4 >= 0 {
		ctx.AddFdToReadSet(t.fdV4)
	}
}

// ReadPackets drains readable sockets, bounded per reactor iteration so one
// noisy peer cannot starve other processors.
func (t *multicastTransport) ReadPackets(ctx *mainloop.Context) []packet {
	var packets []packet

	if t.fdV6 >= 0 && ctx.ReadFdSet.IsSet(t.fdV6) {
		packets = t.readFrom(t.fdV6, false, packets)
	}
	if t.fdV4 >= 0 && ctx.ReadFdSet.IsSet(t.fdV4) {
		packets = t.readFrom(t.fdV4, true, packets)
	}
	return packets
}

func (t *multicastTransport) readFrom(fd int, v4 bool, packets []packet) []packet {
	for i := 0; i < t.recvLimit; i++ {
		bufPtr := getBuffer()
		buf := *bufPtr
		var oob [256]byte

		n, oobn, _, from, err := unix.Recvmsg(fd, buf, oob[:], 0)
		if err != nil {
			putBuffer(bufPtr)
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				t.logger.Warn("failed to receive mDNS packet", zap.Error(err))
			}
			return packets
		}

		pkt := packet{fromIPv4: v4}
		pkt.data = make([]byte, n)
		copy(pkt.data, buf[:n])
		putBuffer(bufPtr)

		switch sa := from.(type) {
		case *unix.SockaddrInet6:
			pkt.src = netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
		case *unix.SockaddrInet4:
			pkt.src = netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
		default:
			continue
		}

		if !v4 && oobn > 0 {
			var cm ipv6.ControlMessage
			if cm.Parse(oob[:oobn]) == nil && cm.IfIndex > 0 {
				pkt.ifIndex = uint32(cm.IfIndex)
			}
		}

		packets = append(packets, pkt)
	}
	return packets
}

func (t *multicastTransport) openV6() (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, otbr.Wrap(otbr.KindGeneric, err, "failed to create IPv6 mDNS socket")
	}

	if err := setReuseOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
	unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255)
	if t.ifIndex > 0 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, t.ifIndex)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: mdnsPort}); err != nil {
		unix.Close(fd)
		return -1, otbr.Wrap(otbr.KindGeneric, err, "failed to bind IPv6 mDNS socket")
	}

	mreq := &unix.IPv6Mreq{Interface: uint32(t.ifIndex)}
	mreq.Multiaddr = mdnsGroupV6.As16()
	if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		unix.Close(fd)
		return -1, otbr.Wrap(otbr.KindGeneric, err, "failed to join ff02::fb")
	}

	return fd, nil
}

func (t *multicastTransport) openV4() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, otbr.Wrap(otbr.KindGeneric, err, "failed to create IPv4 mDNS socket")
	}

	if err := setReuseOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 255)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: mdnsPort}); err != nil {
		unix.Close(fd)
		return -1, otbr.Wrap(otbr.KindGeneric, err, "failed to bind IPv4 mDNS socket")
	}

	if err := joinGroupV4(fd, mdnsGroupV4, t.ifIndex); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// Package udpproxy bridges an ephemeral host UDP port to a Thread-side UDP
// port, forwarding datagrams in both directions.
//
// The host-side socket is a non-blocking IPv6 datagram socket bound to
// [::]:0; the OS-assigned port is recorded so the Thread stack can NAT
// between the two. Inbound datagrams are handed to the UdpForwarder
// dependency, which injects them into the Thread stack; outbound datagrams
// are sent with a fixed hop limit carried in an IPV6_HOPLIMIT control
// message.
package udpproxy

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// kMaxUdpSize bounds a single forwarded datagram. 1280 is the IPv6 minimum
// MTU, which is also the Thread message size ceiling.
const kMaxUdpSize = 1280

// peerHopLimit is applied to every datagram sent toward a peer.
const peerHopLimit = 64

// UdpForwarder receives datagrams arriving on the host socket. The
// implementation injects the payload into the Thread stack; the proxy never
// touches the stack itself.
type UdpForwarder interface {
	ForwardUdp(payload []byte, remoteAddr netip.Addr, remotePort uint16, proxy *UdpProxy)
}

// UdpForwarderFunc adapts a function to the UdpForwarder interface.
type UdpForwarderFunc func(payload []byte, remoteAddr netip.Addr, remotePort uint16, proxy *UdpProxy)

// ForwardUdp implements UdpForwarder.
func (f UdpForwarderFunc) ForwardUdp(payload []byte, remoteAddr netip.Addr, remotePort uint16, proxy *UdpProxy) {
	f(payload, remoteAddr, remotePort, proxy)
}

// Metrics counts proxy traffic. All fields may be nil, in which case
// counting is skipped.
type Metrics struct {
	Forwarded prometheus.Counter
	Sent      prometheus.Counter
	Dropped   prometheus.Counter
}

// NewMetrics creates and registers the proxy counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otbr_udp_proxy_forwarded_total",
			Help: "Datagrams forwarded from the host socket into the Thread stack.",
		}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otbr_udp_proxy_sent_total",
			Help: "Datagrams sent from the Thread side to host peers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otbr_udp_proxy_dropped_total",
			Help: "Datagrams dropped due to send or receive errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Forwarded, m.Sent, m.Dropped)
	}
	return m
}

func (m *Metrics) inc(c prometheus.Counter) {
	if m != nil && c != nil {
		c.Inc()
	}
}

// UdpProxy is one host-port/Thread-port pair. Multiple pairs may coexist;
// each owns its socket exclusively.
//
// Invariant: fd >= 0 iff threadPort != 0 iff started.
type UdpProxy struct {
	logger  *zap.Logger
	deps    UdpForwarder
	metrics *Metrics

	fd         int
	hostPort   uint16
	threadPort uint16
}

var _ mainloop.Processor = (*UdpProxy)(nil)

// New creates a stopped proxy.
func New(logger *zap.Logger, deps UdpForwarder, metrics *Metrics) *UdpProxy {
	return &UdpProxy{logger: logger, deps: deps, metrics: metrics, fd: -1}
}

// IsStarted reports whether the proxy has an open host socket.
func (p *UdpProxy) IsStarted() bool { return p.threadPort != 0 }

// HostPort returns the OS-assigned host-side port, zero when stopped.
func (p *UdpProxy) HostPort() uint16 { return p.hostPort }

// ThreadPort returns the Thread-side port, zero when stopped.
func (p *UdpProxy) ThreadPort() uint16 { return p.threadPort }

// Start opens the host socket and records the port pair. Starting an
// already-started proxy is a no-op. On any failure the proxy ends in the
// stopped state.
func (p *UdpProxy) Start(threadPort uint16) error {
	if p.IsStarted() {
		return nil
	}

	if err := p.bindToEphemeralPort(); err != nil {
		p.Stop()
		return err
	}
	p.threadPort = threadPort

	p.logger.Info("udp proxy started",
		zap.Uint16("hostPort", p.hostPort),
		zap.Uint16("threadPort", p.threadPort))
	return nil
}

// Stop closes the socket and zeroes both ports.
func (p *UdpProxy) Stop() {
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
	p.hostPort = 0
	p.threadPort = 0
}

// Update implements mainloop.Processor.
func (p *UdpProxy) Update(ctx *mainloop.Context) {
	if p.fd < 0 || !p.IsStarted() {
		return
	}
	ctx.AddFdToReadSet(p.fd)
}

// Process implements mainloop.Processor. When the host socket is readable
// it receives one datagram and hands it to the forwarder.
func (p *UdpProxy) Process(ctx *mainloop.Context) {
	if p.fd < 0 || !p.IsStarted() || !ctx.ReadFdSet.IsSet(p.fd) {
		return
	}

	var payload [kMaxUdpSize]byte
	var oob [128]byte

	n, _, _, from, err := unix.Recvmsg(p.fd, payload[:], oob[:], 0)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			p.logger.Warn("failed to receive from host socket", zap.Error(err))
			p.metrics.inc(p.metrics.Dropped)
		}
		return
	}

	sa, ok := from.(*unix.SockaddrInet6)
	if !ok {
		p.metrics.inc(p.metrics.Dropped)
		return
	}

	remoteAddr := netip.AddrFrom16(sa.Addr)
	p.metrics.inc(p.metrics.Forwarded)
	p.deps.ForwardUdp(payload[:n], remoteAddr, uint16(sa.Port), p)
}

// SendToPeer sends one datagram from the host socket to the given peer with
// hop limit 64 carried as an IPV6_HOPLIMIT control message. Send errors,
// including transient EAGAIN, are logged at warn level and the datagram is
// discarded. Calling on a stopped proxy is a silent no-op.
func (p *UdpProxy) SendToPeer(payload []byte, peerAddr netip.Addr, peerPort uint16) {
	if !p.IsStarted() || p.fd < 0 {
		return
	}

	cm := &ipv6.ControlMessage{HopLimit: peerHopLimit}
	sa := &unix.SockaddrInet6{Port: int(peerPort), Addr: peerAddr.As16()}

	if err := unix.Sendmsg(p.fd, payload, cm.Marshal(), sa, 0); err != nil {
		p.logger.Warn("failed to sendmsg",
			zap.Stringer("peerAddr", peerAddr),
			zap.Uint16("peerPort", peerPort),
			zap.Error(err))
		p.metrics.inc(p.metrics.Dropped)
		return
	}
	p.metrics.inc(p.metrics.Sent)
}

func (p *UdpProxy) bindToEphemeralPort() error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to create host socket")
	}
	p.fd = fd

	if err := unix.Bind(fd, &unix.SockaddrInet6{}); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to bind host socket")
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to set IPV6_RECVHOPLIMIT")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to set IPV6_RECVPKTINFO")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to read bound address")
	}
	sa, ok := bound.(*unix.SockaddrInet6)
	if !ok {
		return otbr.Errorf(otbr.KindGeneric, "unexpected bound address family")
	}
	p.hostPort = uint16(sa.Port)

	p.logger.Info("bound ephemeral port", zap.Uint16("hostPort", p.hostPort))
	return nil
}

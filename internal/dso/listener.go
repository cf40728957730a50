// Package dso implements the DNS Stateful Operations listener shell: a TCP
// listener on port 853, reactor integrated. The socket is bound to the
// wildcard address and listens on all interfaces; it is not restricted to
// the infrastructure interface. Accepted connections are handed to a SessionAcceptor; TLS
// handshaking and the DSO session data model live behind that interface.
package dso

import (
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// dsoPort is the DNS-over-TLS/DSO port (RFC 8490 §4.1.1).
const dsoPort = 853

// acceptLimit bounds accepts per reactor iteration.
const acceptLimit = 8

// SessionAcceptor consumes accepted DSO connections. The acceptor takes
// ownership of the descriptor.
type SessionAcceptor interface {
	HandleAcceptedConnection(fd int, peer netip.AddrPort)
}

// Listener is the reactor-integrated accept loop.
type Listener struct {
	logger   *zap.Logger
	acceptor SessionAcceptor

	fd int
}

var _ mainloop.Processor = (*Listener)(nil)

// NewListener creates a stopped listener.
func NewListener(logger *zap.Logger, acceptor SessionAcceptor) *Listener {
	return &Listener{logger: logger, acceptor: acceptor, fd: -1}
}

// IsStarted reports whether the listening socket is open.
func (l *Listener) IsStarted() bool { return l.fd >= 0 }

// Start opens the listening socket with SO_REUSEADDR and SO_REUSEPORT so
// the agent coexists with other stub resolvers on the host.
func (l *Listener) Start() error {
	if l.IsStarted() {
		return nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return otbr.Wrap(otbr.KindGeneric, err, "failed to create DSO socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return otbr.Wrap(otbr.KindGeneric, err, "failed to set SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil && err != unix.ENOPROTOOPT {
		unix.Close(fd)
		return otbr.Wrap(otbr.KindGeneric, err, "failed to set SO_REUSEPORT")
	}

	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: dsoPort}); err != nil {
		unix.Close(fd)
		return otbr.Wrap(otbr.KindGeneric, err, "failed to bind DSO port")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return otbr.Wrap(otbr.KindGeneric, err, "failed to listen on DSO port")
	}

	l.fd = fd
	l.logger.Info("DSO listener started", zap.Int("port", dsoPort))
	return nil
}

// Stop closes the listening socket.
func (l *Listener) Stop() {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
}

// Update implements mainloop.Processor.
func (l *Listener) Update(ctx *mainloop.Context) {
	if l.fd >= 0 {
		ctx.AddFdToReadSet(l.fd)
	}
}

// Process implements mainloop.Processor: accept pending connections and
// hand them to the acceptor.
func (l *Listener) Process(ctx *mainloop.Context) {
	if l.fd < 0 || !ctx.ReadFdSet.IsSet(l.fd) {
		return
	}

	for i := 0; i < acceptLimit; i++ {
		connFd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.logger.Warn("DSO accept failed", zap.Error(err))
			}
			return
		}

		var peer netip.AddrPort
		if sa6, ok := sa.(*unix.SockaddrInet6); ok {
			peer = netip.AddrPortFrom(netip.AddrFrom16(sa6.Addr), uint16(sa6.Port))
		}

		if l.acceptor == nil {
			unix.Close(connFd)
			continue
		}
		l.acceptor.HandleAcceptedConnection(connFd, peer)
	}
}

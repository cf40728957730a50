package udpproxy

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mainloop"
)

type capturedDatagram struct {
	payload    []byte
	remoteAddr netip.Addr
	remotePort uint16
	threadPort uint16
}

type captureForwarder struct {
	mu       sync.Mutex
	captured []capturedDatagram
}

func (c *captureForwarder) ForwardUdp(payload []byte, remoteAddr netip.Addr, remotePort uint16, proxy *UdpProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.captured = append(c.captured, capturedDatagram{
		payload:    cp,
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		threadPort: proxy.ThreadPort(),
	})
}

func (c *captureForwarder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// TestStartStopInvariant verifies the port/fd invariant around the
// start/stop lifecycle.
func TestStartStopInvariant(t *testing.T) {
	p := New(zap.NewNop(), &captureForwarder{}, nil)

	if p.IsStarted() {
		t.Fatal("new proxy reports started")
	}
	if err := p.Start(49191); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.IsStarted() || p.HostPort() == 0 || p.ThreadPort() != 49191 {
		t.Errorf("after Start: started=%v hostPort=%d threadPort=%d",
			p.IsStarted(), p.HostPort(), p.ThreadPort())
	}

	// Second Start is a no-op and keeps the original mapping.
	hostPort := p.HostPort()
	if err := p.Start(11111); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if p.HostPort() != hostPort || p.ThreadPort() != 49191 {
		t.Error("second Start changed the port mapping")
	}

	p.Stop()
	if p.IsStarted() || p.HostPort() != 0 || p.ThreadPort() != 0 {
		t.Errorf("after Stop: started=%v hostPort=%d threadPort=%d",
			p.IsStarted(), p.HostPort(), p.ThreadPort())
	}
}

// TestForwardFromHostSocket verifies a datagram sent to the host port is
// handed to the forwarder exactly once with the sender's address.
func TestForwardFromHostSocket(t *testing.T) {
	fwd := &captureForwarder{}
	p := New(zap.NewNop(), fwd, nil)
	if err := p.Start(49191); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	mgr := mainloop.NewManager(zap.NewNop())
	mgr.AddProcessor(p)
	loopDone := make(chan struct{})
	go func() {
		mgr.Run(50 * time.Millisecond)
		close(loopDone)
	}()
	defer func() {
		mgr.BreakMainloop()
		<-loopDone
	}()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", p.HostPort()))
	if err != nil {
		t.Fatalf("dial host port: %v", err)
	}
	defer conn.Close()

	payload := []byte("Hello UdpProxy!")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fwd.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	if len(fwd.captured) != 1 {
		t.Fatalf("forwarder invoked %d times, want 1", len(fwd.captured))
	}
	got := fwd.captured[0]
	if string(got.payload) != "Hello UdpProxy!" || len(got.payload) != 15 {
		t.Errorf("payload = %q (len %d), want %q", got.payload, len(got.payload), payload)
	}
	if got.threadPort != 49191 {
		t.Errorf("threadPort = %d, want 49191", got.threadPort)
	}
	if got.remotePort == 0 {
		t.Error("remotePort = 0, want sender's port")
	}
}

// TestSendToPeer verifies a datagram sent toward a loopback peer arrives
// intact.
func TestSendToPeer(t *testing.T) {
	p := New(zap.NewNop(), &captureForwarder{}, nil)
	if err := p.Start(49191); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	peerPort := uint16(listener.LocalAddr().(*net.UDPAddr).Port)

	payload := []byte("Hello UdpProxy!")
	peerAddr := netip.MustParseAddr("::ffff:127.0.0.1")
	p.SendToPeer(payload, peerAddr, peerPort)

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, kMaxUdpSize)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "Hello UdpProxy!" {
		t.Errorf("peer received %q, want %q", buf[:n], payload)
	}
}

// TestSendToPeerWhileStopped verifies the silent no-op contract.
func TestSendToPeerWhileStopped(t *testing.T) {
	p := New(zap.NewNop(), &captureForwarder{}, nil)
	// Must not panic or open a socket.
	p.SendToPeer([]byte("x"), netip.MustParseAddr("::1"), 12345)
	if p.IsStarted() {
		t.Error("SendToPeer on stopped proxy changed state")
	}
}

package mdns

import (
	"net/netip"

	"github.com/openthread/otbr-agent/internal/mainloop"
)

// mockTransport records outbound traffic and replays injected packets,
// letting publisher tests run without sockets.
type mockTransport struct {
	opened    bool
	multicast [][]byte
	unicast   []mockUnicast
	inbound   []packet
}

type mockUnicast struct {
	data []byte
	dst  netip.AddrPort
}

func (m *mockTransport) Open() error { m.opened = true; return nil }

func (m *mockTransport) Close() { m.opened = false }

func (m *mockTransport) SendMulticast(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.multicast = append(m.multicast, cp)
}

func (m *mockTransport) SendUnicast(data []byte, dst netip.AddrPort) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.unicast = append(m.unicast, mockUnicast{data: cp, dst: dst})
}

func (m *mockTransport) UpdateFds(ctx *mainloop.Context) {}

func (m *mockTransport) ReadPackets(ctx *mainloop.Context) []packet {
	out := m.inbound
	m.inbound = nil
	return out
}

// inject queues a packet for the next ReadPackets call.
func (m *mockTransport) inject(data []byte, src netip.AddrPort) {
	m.inbound = append(m.inbound, packet{data: data, src: src})
}

package mdns

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// pumpTasks runs every ready task on the calling goroutine.
func pumpTasks(r *task.Runner) {
	r.Process(&mainloop.Context{MaxFd: -1})
}

func newTestPublisher(t *testing.T) (*BuiltinPublisher, *mockTransport, *task.Runner) {
	t.Helper()
	runner, err := task.NewRunner()
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(runner.Shutdown)

	tr := &mockTransport{}
	p := newPublisherWithTransport(zap.NewNop(), runner, tr)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, tr, runner
}

type stateRecorder struct {
	states []State
}

func (r *stateRecorder) HandleMdnsState(s State) { r.states = append(r.states, s) }

// TestStateTransitions verifies Idle -> Ready on Start and back on Stop.
func TestStateTransitions(t *testing.T) {
	runner, err := task.NewRunner()
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Shutdown()

	tr := &mockTransport{}
	p := newPublisherWithTransport(zap.NewNop(), runner, tr)
	rec := &stateRecorder{}
	p.AddStateObserver(rec)

	if p.State() != StateIdle {
		t.Fatalf("initial state = %v, want Idle", p.State())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != StateReady || !p.IsStarted() {
		t.Errorf("after Start: state=%v started=%v", p.State(), p.IsStarted())
	}

	p.Stop()
	if p.State() != StateIdle || p.IsStarted() {
		t.Errorf("after Stop: state=%v started=%v", p.State(), p.IsStarted())
	}

	want := []State{StateReady, StateIdle}
	if len(rec.states) != 2 || rec.states[0] != want[0] || rec.states[1] != want[1] {
		t.Errorf("observed states %v, want %v", rec.states, want)
	}
}

// TestPublishBeforeStartFails verifies the InvalidState completion path.
func TestPublishBeforeStartFails(t *testing.T) {
	runner, err := task.NewRunner()
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Shutdown()

	p := newPublisherWithTransport(zap.NewNop(), runner, &mockTransport{})

	var got error
	called := false
	p.PublishHost("host1", nil, func(err error) { got = err; called = true })
	pumpTasks(runner)

	if !called {
		t.Fatal("result callback did not fire")
	}
	if otbr.KindOf(got) != otbr.KindInvalidState {
		t.Errorf("error kind = %v, want InvalidState", otbr.KindOf(got))
	}
}

// TestSubscribeHostResolved mirrors the publisher subscribe-host scenario:
// the host callback fires exactly once with both addresses, and publishing
// a service on the same host does not fire it again.
func TestSubscribeHostResolved(t *testing.T) {
	p, _, runner := newTestPublisher(t)

	var hostEvents []DiscoveredHostInfo
	p.AddSubscriptionCallbacks(nil, func(hostName string, info DiscoveredHostInfo) {
		hostEvents = append(hostEvents, info)
	})

	p.SubscribeHost("host1")
	addrs := []netip.Addr{
		netip.MustParseAddr("2002::1"),
		netip.MustParseAddr("2002::2"),
	}
	p.PublishHost("host1", addrs, nil)
	pumpTasks(runner)

	if len(hostEvents) != 1 {
		t.Fatalf("host callback fired %d times, want 1", len(hostEvents))
	}
	info := hostEvents[0]
	if info.HostName != "host1.local." {
		t.Errorf("HostName = %q, want host1.local.", info.HostName)
	}
	if len(info.Addresses) != 2 || info.Addresses[0] != addrs[0] || info.Addresses[1] != addrs[1] {
		t.Errorf("Addresses = %v, want %v", info.Addresses, addrs)
	}

	// A service on host1 must not fire the host callback again.
	p.PublishService("host1", "service1", "_test._udp", nil, 11111, nil, nil)
	pumpTasks(runner)
	if len(hostEvents) != 1 {
		t.Errorf("host callback fired %d times after service publish, want 1", len(hostEvents))
	}
}

// TestSubscribeServiceBrowse mirrors the subscribe-service-type scenario:
// two published instances each produce a resolved callback, and an
// unpublish produces a removed callback.
func TestSubscribeServiceBrowse(t *testing.T) {
	p, _, runner := newTestPublisher(t)

	events := make(map[string]DiscoveredInstanceInfo)
	var removed []string
	p.AddSubscriptionCallbacks(func(serviceType string, info DiscoveredInstanceInfo) {
		if serviceType != "_test._tcp" {
			t.Errorf("serviceType = %q, want _test._tcp", serviceType)
		}
		if info.Removed {
			removed = append(removed, info.Name)
			return
		}
		events[info.Name] = info
	}, nil)

	p.SubscribeService("_test._tcp", "")

	p.PublishHost("host1", []netip.Addr{netip.MustParseAddr("2002::1")}, nil)
	txt, err := EncodeTxtData([]TxtEntry{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}})
	if err != nil {
		t.Fatalf("EncodeTxtData: %v", err)
	}
	p.PublishService("host1", "service1", "_test._tcp", SubTypeList{"_sub1", "_sub2"}, 11111, txt, nil)
	p.PublishService("host1", "service2", "_test._tcp", nil, 22222, nil, nil)
	pumpTasks(runner)

	if len(events) != 2 {
		t.Fatalf("resolved %d instances, want 2 (%v)", len(events), events)
	}

	s1 := events["service1"]
	if s1.HostName != "host1.local." || s1.Port != 11111 {
		t.Errorf("service1 = host %q port %d, want host1.local. 11111", s1.HostName, s1.Port)
	}
	decoded, err := DecodeTxtData(s1.TxtData)
	if err != nil || len(decoded) != 2 || decoded[0].Key != "a" || decoded[1].Key != "b" {
		t.Errorf("service1 TXT = %v (err %v), want a=1 b=2", decoded, err)
	}

	s2 := events["service2"]
	if s2.Port != 22222 {
		t.Errorf("service2 port = %d, want 22222", s2.Port)
	}

	p.UnpublishService("service3", "_test._tcp", nil)
	pumpTasks(runner)
	if len(removed) != 1 || removed[0] != "service3" {
		t.Errorf("removed = %v, want [service3]", removed)
	}
}

// TestRemoteResponseFanout verifies a response packet from another
// responder on the link feeds the subscription callbacks.
func TestRemoteResponseFanout(t *testing.T) {
	p, tr, runner := newTestPublisher(t)

	var events []DiscoveredInstanceInfo
	p.AddSubscriptionCallbacks(func(serviceType string, info DiscoveredInstanceInfo) {
		events = append(events, info)
	}, nil)
	p.SubscribeService("_remote._tcp", "")

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: "_remote._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
			Ptr: "printer._remote._tcp.local.",
		},
		&dns.SRV{
			Hdr:    dns.RR_Header{Name: "printer._remote._tcp.local.", Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
			Target: "printer.local.",
			Port:   631,
		},
		&dns.AAAA{
			Hdr:  dns.RR_Header{Name: "printer.local.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 120},
			AAAA: net.IP(netip.MustParseAddr("fe80::1234").AsSlice()),
		},
	}
	data, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	tr.inject(data, netip.MustParseAddrPort("[fe80::1]:5353"))
	p.Process(&mainloop.Context{MaxFd: -1})
	pumpTasks(runner)

	if len(events) != 1 {
		t.Fatalf("service callback fired %d times, want 1", len(events))
	}
	got := events[0]
	if got.Name != "printer" || got.HostName != "printer.local." || got.Port != 631 {
		t.Errorf("resolved = %+v, want printer/printer.local./631", got)
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != netip.MustParseAddr("fe80::1234") {
		t.Errorf("addresses = %v, want [fe80::1234]", got.Addresses)
	}
}

// TestQueryAnswering verifies a PTR question for a published type produces
// a multicast response with SRV/TXT additionals.
func TestQueryAnswering(t *testing.T) {
	p, tr, _ := newTestPublisher(t)

	p.PublishHost("host1", []netip.Addr{netip.MustParseAddr("2002::1")}, nil)
	p.PublishService("host1", "service1", "_test._tcp", nil, 11111, nil, nil)
	sentBefore := len(tr.multicast)

	query := new(dns.Msg)
	query.SetQuestion("_test._tcp.local.", dns.TypePTR)
	data, err := query.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	tr.inject(data, netip.MustParseAddrPort("[fe80::2]:5353"))
	p.Process(&mainloop.Context{MaxFd: -1})

	if len(tr.multicast) != sentBefore+1 {
		t.Fatalf("sent %d responses, want 1", len(tr.multicast)-sentBefore)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(tr.multicast[len(tr.multicast)-1]); err != nil {
		t.Fatalf("Unpack reply: %v", err)
	}
	if !reply.Response || len(reply.Answer) == 0 {
		t.Fatal("reply is not a response with answers")
	}
	ptr, ok := reply.Answer[0].(*dns.PTR)
	if !ok || ptr.Ptr != "service1._test._tcp.local." {
		t.Errorf("answer = %v, want PTR to service1._test._tcp.local.", reply.Answer[0])
	}

	foundSrv := false
	for _, rr := range reply.Extra {
		if srv, ok := rr.(*dns.SRV); ok && srv.Port == 11111 {
			foundSrv = true
		}
	}
	if !foundSrv {
		t.Error("reply additionals missing the SRV record")
	}
}

// TestRateLimiterCooldown verifies a flooding source stops receiving
// answers until its cooldown expires.
func TestRateLimiterCooldown(t *testing.T) {
	rl := newRateLimiter(3, time.Minute, 10)
	src := netip.MustParseAddr("fe80::bad")

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.allow(src) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d queries, want 3", allowed)
	}
	if rl.allow(src) {
		t.Error("source allowed during cooldown")
	}
}

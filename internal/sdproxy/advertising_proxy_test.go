package sdproxy

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mdns"
	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// recordingPublisher captures publish calls and lets the test fire the
// result callbacks explicitly.
type recordingPublisher struct {
	mdns.Publisher

	calls     []string
	callbacks []mdns.ResultCallback
}

func (r *recordingPublisher) record(call string, cb mdns.ResultCallback) {
	r.calls = append(r.calls, call)
	r.callbacks = append(r.callbacks, cb)
}

func (r *recordingPublisher) PublishHost(hostName string, addresses []netip.Addr, cb mdns.ResultCallback) {
	r.record("publish_host:"+hostName, cb)
}

func (r *recordingPublisher) UnpublishHost(hostName string, cb mdns.ResultCallback) {
	r.record("unpublish_host:"+hostName, cb)
}

func (r *recordingPublisher) PublishService(hostName, instanceName, serviceType string, subTypes mdns.SubTypeList, port uint16, txtData mdns.TxtData, cb mdns.ResultCallback) {
	r.record("publish_service:"+instanceName, cb)
}

func (r *recordingPublisher) UnpublishService(instanceName, serviceType string, cb mdns.ResultCallback) {
	r.record("unpublish_service:"+instanceName, cb)
}

func (r *recordingPublisher) State() mdns.State { return mdns.StateReady }

// srpFixture wires a proxy over a sim stack that records update results.
type srpFixture struct {
	stack     *ncp.SimStack
	publisher *recordingPublisher
	proxy     *AdvertisingProxy
	results   map[ncp.SrpUpdateId]error
	completed []ncp.SrpUpdateId
}

// resultRecordingStack overrides HandleSrpServerUpdateResult to observe
// transaction completion.
type resultRecordingStack struct {
	*ncp.SimStack
	fixture *srpFixture
}

func (s *resultRecordingStack) HandleSrpServerUpdateResult(id ncp.SrpUpdateId, err error) {
	s.fixture.results[id] = err
	s.fixture.completed = append(s.fixture.completed, id)
}

func newSrpFixture(t *testing.T) *srpFixture {
	t.Helper()
	runner, err := task.NewRunner()
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(runner.Shutdown)

	f := &srpFixture{results: make(map[ncp.SrpUpdateId]error)}
	f.stack = ncp.NewSimStack(runner)
	stack := &resultRecordingStack{SimStack: f.stack, fixture: f}

	host := ncp.NewRcpHost(zap.NewNop(), runner, stack,
		ncp.Config{InterfaceName: "wpan0"}, false)
	if err := host.Init(); err != nil {
		t.Fatalf("host Init: %v", err)
	}

	f.publisher = &recordingPublisher{}
	f.proxy = New(zap.NewNop(), host, f.publisher)
	return f
}

func testSrpHost() *ncp.SrpHost {
	return &ncp.SrpHost{
		FullName: "host1.default.service.arpa.",
		Addresses: []netip.Addr{
			netip.MustParseAddr("fd00::1"),
			netip.MustParseAddr("fe80::1"), // link-local, filtered
			netip.MustParseAddr("::1"),     // loopback, filtered
		},
		Services: []*ncp.SrpService{
			{InstanceName: "service1", ServiceType: "_srv._udp", Port: 1234},
			{InstanceName: "service2", ServiceType: "_srv._udp", Port: 5678},
		},
	}
}

// TestDisabledAnswersNoOp verifies updates complete without publishing
// while the proxy is disabled.
func TestDisabledAnswersNoOp(t *testing.T) {
	f := newSrpFixture(t)

	f.stack.SimulateSrpUpdate(1, testSrpHost(), time.Second)

	if len(f.publisher.calls) != 0 {
		t.Errorf("publisher called %v while disabled", f.publisher.calls)
	}
	if err, ok := f.results[1]; !ok || err != nil {
		t.Errorf("update result = (%v, %v), want (nil, present)", err, ok)
	}
}

// TestUpdateCompletesAfterAllCallbacks verifies the callback accounting:
// one host plus two services means three completions before the SRP
// transaction finishes.
func TestUpdateCompletesAfterAllCallbacks(t *testing.T) {
	f := newSrpFixture(t)
	f.proxy.SetEnabled(true)

	f.stack.SimulateSrpUpdate(7, testSrpHost(), time.Second)

	if len(f.publisher.callbacks) != 3 {
		t.Fatalf("publisher received %d calls, want 3 (%v)", len(f.publisher.callbacks), f.publisher.calls)
	}
	if _, done := f.results[7]; done {
		t.Fatal("update completed before callbacks fired")
	}

	f.publisher.callbacks[0](nil)
	f.publisher.callbacks[1](nil)
	if _, done := f.results[7]; done {
		t.Fatal("update completed after 2 of 3 callbacks")
	}

	f.publisher.callbacks[2](nil)
	if err, done := f.results[7]; !done || err != nil {
		t.Errorf("update result = (%v, %v), want (nil, true)", err, done)
	}
}

// TestFirstErrorWins verifies the aggregate error policy.
func TestFirstErrorWins(t *testing.T) {
	f := newSrpFixture(t)
	f.proxy.SetEnabled(true)

	f.stack.SimulateSrpUpdate(9, testSrpHost(), time.Second)

	f.publisher.callbacks[0](otbr.Errorf(otbr.KindNameConflict, "host1 taken"))
	f.publisher.callbacks[1](otbr.Errorf(otbr.KindGeneric, "later failure"))
	f.publisher.callbacks[2](nil)

	err := f.results[9]
	if otbr.KindOf(err) != otbr.KindNameConflict {
		t.Errorf("aggregate error = %v, want the first (NameConflict)", err)
	}
}

// TestHostLabelAndAddressFiltering verifies the published host uses the
// bare label and only eligible addresses.
func TestHostLabelAndAddressFiltering(t *testing.T) {
	addrs := EligibleAddresses([]netip.Addr{
		netip.MustParseAddr("fd00::1"),
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("::1"),
		netip.MustParseAddr("ff02::fb"),
		netip.MustParseAddr("2001:db8::5"),
	})
	if len(addrs) != 2 {
		t.Fatalf("eligible addresses = %v, want [fd00::1 2001:db8::5]", addrs)
	}

	if got := hostLabelOf("host1.default.service.arpa."); got != "host1" {
		t.Errorf("hostLabelOf = %q, want host1", got)
	}

	f := newSrpFixture(t)
	f.proxy.SetEnabled(true)
	f.stack.SimulateSrpUpdate(3, testSrpHost(), time.Second)
	if len(f.publisher.calls) == 0 || f.publisher.calls[0] != "publish_host:host1" {
		t.Errorf("first call = %v, want publish_host:host1", f.publisher.calls)
	}
}

// TestDeletedHostWithdraws verifies a deleted host unpublishes everything.
func TestDeletedHostWithdraws(t *testing.T) {
	f := newSrpFixture(t)
	f.proxy.SetEnabled(true)

	host := testSrpHost()
	host.Deleted = true
	f.stack.SimulateSrpUpdate(4, host, time.Second)

	want := []string{"unpublish_host:host1", "unpublish_service:service1", "unpublish_service:service2"}
	if len(f.publisher.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.publisher.calls, want)
	}
	for i, call := range want {
		if f.publisher.calls[i] != call {
			t.Errorf("call %d = %q, want %q", i, f.publisher.calls[i], call)
		}
	}
}

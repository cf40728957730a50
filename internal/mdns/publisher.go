package mdns

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// announceInterval separates the two unsolicited announcements sent for a
// new record set (RFC 6762 §8.3).
const announceInterval = time.Second

// Rate limiting defaults: generous enough for busy links, tight enough to
// survive a multicast storm from one peer.
const (
	rateLimitThreshold  = 100
	rateLimitCooldown   = 60 * time.Second
	rateLimitMaxEntries = 10000
)

// BuiltinPublisher is the in-process mDNS implementation of Publisher. It
// answers queries for its registry, announces changes, and feeds
// subscription callbacks from responses seen on the link.
//
// It implements mainloop.Processor; all methods run on the reactor
// goroutine.
type BuiltinPublisher struct {
	logger *zap.Logger
	tasks  *task.Runner
	tr     transport

	registry *registry
	limiter  *rateLimiter

	started bool
	state   State

	observers []StateObserver

	nextCallbackID uint64
	subCallbacks   map[uint64]subscriptionCallbacks

	serviceSubs map[serviceKey]*serviceSubscription
	hostSubs    map[string]*hostSubscription

	requests *prometheus.CounterVec
}

type subscriptionCallbacks struct {
	onService ServiceResolvedCallback
	onHost    HostResolvedCallback
}

var (
	_ Publisher          = (*BuiltinPublisher)(nil)
	_ mainloop.Processor = (*BuiltinPublisher)(nil)
)

// NewBuiltinPublisher creates a publisher bound to the infrastructure
// interface identified by ifIndex. Zero selects the default interface.
func NewBuiltinPublisher(logger *zap.Logger, tasks *task.Runner, reg prometheus.Registerer, ifIndex int) *BuiltinPublisher {
	p := &BuiltinPublisher{
		logger: logger,
		tasks:  tasks,
		tr:     newMulticastTransport(logger, ifIndex),
	}
	p.initState(reg)
	return p
}

// newPublisherWithTransport is the test constructor.
func newPublisherWithTransport(logger *zap.Logger, tasks *task.Runner, tr transport) *BuiltinPublisher {
	p := &BuiltinPublisher{logger: logger, tasks: tasks, tr: tr}
	p.initState(nil)
	return p
}

func (p *BuiltinPublisher) initState(reg prometheus.Registerer) {
	p.registry = newRegistry()
	p.limiter = newRateLimiter(rateLimitThreshold, rateLimitCooldown, rateLimitMaxEntries)
	p.subCallbacks = make(map[uint64]subscriptionCallbacks)
	p.serviceSubs = make(map[serviceKey]*serviceSubscription)
	p.hostSubs = make(map[string]*hostSubscription)
	p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otbr_mdns_requests_total",
		Help: "Publisher requests by operation and outcome.",
	}, []string{"operation", "outcome"})
	if reg != nil {
		reg.MustRegister(p.requests)
	}
}

// AddStateObserver registers an observer for aggregate state changes.
// Observers see changes in registration order.
func (p *BuiltinPublisher) AddStateObserver(observer StateObserver) {
	p.observers = append(p.observers, observer)
}

// Start implements Publisher.
func (p *BuiltinPublisher) Start() error {
	if p.started {
		return nil
	}
	if err := p.tr.Open(); err != nil {
		return err
	}
	p.started = true
	p.setState(StateReady)
	p.logger.Info("mDNS publisher started")
	return nil
}

// Stop implements Publisher. All claimed records get goodbye announcements
// before the sockets close.
func (p *BuiltinPublisher) Stop() {
	if !p.started {
		return
	}
	if goodbye := p.registry.allRecords(ttlGoodbye); len(goodbye) > 0 {
		p.sendRecords(goodbye)
	}
	p.registry = newRegistry()
	p.tr.Close()
	p.started = false
	p.setState(StateIdle)
	p.logger.Info("mDNS publisher stopped")
}

// IsStarted implements Publisher.
func (p *BuiltinPublisher) IsStarted() bool { return p.started }

// State implements Publisher.
func (p *BuiltinPublisher) State() State { return p.state }

func (p *BuiltinPublisher) setState(state State) {
	if p.state == state {
		return
	}
	p.state = state
	for _, observer := range p.observers {
		observer.HandleMdnsState(state)
	}
}

// PublishService implements Publisher.
func (p *BuiltinPublisher) PublishService(hostName, instanceName, serviceType string, subTypes SubTypeList, port uint16, txtData TxtData, cb ResultCallback) {
	if !p.started {
		p.completeRequest("publish_service", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}
	if instanceName == "" || serviceType == "" {
		p.completeRequest("publish_service", cb, otbr.Errorf(otbr.KindInvalidArgs, "service instance or type is empty"))
		return
	}

	service := &publishedService{
		hostName:     hostName,
		instanceName: instanceName,
		serviceType:  serviceType,
		subTypes:     subTypes,
		port:         port,
		txtData:      txtData,
	}
	p.registry.services[serviceKey{serviceType, instanceName}] = service

	p.announce(service.records(ttlService))
	p.completeRequest("publish_service", cb, nil)
	p.notifyLocalService(service, false)
}

// UnpublishService implements Publisher.
func (p *BuiltinPublisher) UnpublishService(instanceName, serviceType string, cb ResultCallback) {
	if !p.started {
		p.completeRequest("unpublish_service", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}

	key := serviceKey{serviceType, instanceName}
	service, ok := p.registry.services[key]
	if !ok {
		// Withdrawing an unknown instance still announces goodbye so
		// stale peer caches flush; the request itself succeeds.
		service = &publishedService{instanceName: instanceName, serviceType: serviceType}
	} else {
		delete(p.registry.services, key)
	}

	p.sendRecords(service.records(ttlGoodbye))
	p.completeRequest("unpublish_service", cb, nil)
	p.notifyLocalService(service, true)
}

// PublishHost implements Publisher.
func (p *BuiltinPublisher) PublishHost(hostName string, addresses []netip.Addr, cb ResultCallback) {
	if !p.started {
		p.completeRequest("publish_host", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}
	if hostName == "" {
		p.completeRequest("publish_host", cb, otbr.Errorf(otbr.KindInvalidArgs, "host name is empty"))
		return
	}

	host := &publishedHost{hostName: hostName, addresses: addresses}
	p.registry.hosts[hostName] = host

	p.announce(host.records(ttlHost))
	p.completeRequest("publish_host", cb, nil)
	p.notifyLocalHost(host, false)
}

// UnpublishHost implements Publisher.
func (p *BuiltinPublisher) UnpublishHost(hostName string, cb ResultCallback) {
	if !p.started {
		p.completeRequest("unpublish_host", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}

	host, ok := p.registry.hosts[hostName]
	if !ok {
		host = &publishedHost{hostName: hostName}
	} else {
		delete(p.registry.hosts, hostName)
	}

	p.sendRecords(host.records(ttlGoodbye))
	p.completeRequest("unpublish_host", cb, nil)
	p.notifyLocalHost(host, true)
}

// PublishKey implements Publisher.
func (p *BuiltinPublisher) PublishKey(name string, keyData []byte, cb ResultCallback) {
	if !p.started {
		p.completeRequest("publish_key", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}
	if name == "" || len(keyData) == 0 {
		p.completeRequest("publish_key", cb, otbr.Errorf(otbr.KindInvalidArgs, "key name or data is empty"))
		return
	}

	key := &publishedKey{name: name, keyData: keyData}
	p.registry.keys[name] = key

	p.announce(key.records(ttlHost))
	p.completeRequest("publish_key", cb, nil)
}

// UnpublishKey implements Publisher.
func (p *BuiltinPublisher) UnpublishKey(name string, cb ResultCallback) {
	if !p.started {
		p.completeRequest("unpublish_key", cb, otbr.Errorf(otbr.KindInvalidState, "publisher is not started"))
		return
	}

	key, ok := p.registry.keys[name]
	if !ok {
		key = &publishedKey{name: name, keyData: []byte{0}}
	} else {
		delete(p.registry.keys, name)
	}

	p.sendRecords(key.records(ttlGoodbye))
	p.completeRequest("unpublish_key", cb, nil)
}

// Update implements mainloop.Processor.
func (p *BuiltinPublisher) Update(ctx *mainloop.Context) {
	if !p.started {
		return
	}
	p.tr.UpdateFds(ctx)
}

// Process implements mainloop.Processor. It drains readable sockets and
// dispatches each message as a query to answer or a response to fan out.
func (p *BuiltinPublisher) Process(ctx *mainloop.Context) {
	if !p.started {
		return
	}
	for _, pkt := range p.tr.ReadPackets(ctx) {
		msg := new(dns.Msg)
		if err := msg.Unpack(pkt.data); err != nil {
			// Malformed packets on the mDNS group are routine; drop.
			continue
		}
		if msg.Response {
			p.handleResponse(msg, pkt)
		} else {
			p.handleQuery(msg, pkt)
		}
	}
}

// announce multicasts a record set now and once more after the announce
// interval (RFC 6762 §8.3).
func (p *BuiltinPublisher) announce(rrs []dns.RR) {
	p.sendRecords(rrs)
	p.tasks.PostDelayed(announceInterval, func() {
		if p.started {
			p.sendRecords(rrs)
		}
	})
}

// sendRecords multicasts one unsolicited response carrying the records.
func (p *BuiltinPublisher) sendRecords(rrs []dns.RR) {
	if len(rrs) == 0 {
		return
	}
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = rrs

	data, err := msg.Pack()
	if err != nil {
		p.logger.Warn("failed to pack announcement", zap.Error(err))
		return
	}
	p.tr.SendMulticast(data)
}

// completeRequest queues the result callback on the reactor so it is never
// invoked re-entrantly from within the requesting call.
func (p *BuiltinPublisher) completeRequest(operation string, cb ResultCallback, err error) {
	outcome := "ok"
	if err != nil {
		outcome = otbr.KindOf(err).String()
	}
	p.requests.WithLabelValues(operation, outcome).Inc()

	if cb == nil {
		return
	}
	p.tasks.Post(func() { cb(err) })
}

// handleQuery answers questions the registry is authoritative for.
func (p *BuiltinPublisher) handleQuery(msg *dns.Msg, pkt packet) {
	if !p.limiter.allow(pkt.src.Addr()) {
		return
	}

	reply := new(dns.Msg)
	reply.Response = true
	reply.Authoritative = true
	unicast := false

	for _, q := range msg.Question {
		// RFC 6762 §5.4: top bit of the question class requests a
		// unicast response.
		if q.Qclass&cacheFlushBit != 0 {
			unicast = true
		}
		reply.Answer = append(reply.Answer, p.answersFor(q, msg)...)
	}

	if len(reply.Answer) == 0 {
		return
	}
	reply.Extra = p.additionalFor(reply.Answer)

	data, err := reply.Pack()
	if err != nil {
		p.logger.Warn("failed to pack query response", zap.Error(err))
		return
	}
	if unicast {
		p.tr.SendUnicast(data, pkt.src)
	} else {
		p.tr.SendMulticast(data)
	}
}

// answersFor collects registry records matching one question, applying
// known-answer suppression (RFC 6762 §7.1): an answer the querier already
// holds with at least half its TTL left is not repeated.
func (p *BuiltinPublisher) answersFor(q dns.Question, msg *dns.Msg) []dns.RR {
	var answers []dns.RR

	appendIf := func(rrs []dns.RR, want uint16) {
		for _, rr := range rrs {
			hdr := rr.Header()
			if (want == dns.TypeANY || hdr.Rrtype == want) && equalNames(hdr.Name, q.Name) {
				if !knownAnswer(msg, rr) {
					answers = append(answers, rr)
				}
			}
		}
	}

	if equalNames(q.Name, "_services._dns-sd._udp."+localDomain) && (q.Qtype == dns.TypePTR || q.Qtype == dns.TypeANY) {
		// Service type enumeration (RFC 6763 §9).
		seen := make(map[string]bool)
		for key := range p.registry.services {
			serviceType := fullServiceType(key.serviceType)
			if !seen[serviceType] {
				seen[serviceType] = true
				answers = append(answers, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttlService},
					Ptr: serviceType,
				})
			}
		}
		return answers
	}

	for _, s := range p.registry.services {
		appendIf(s.records(ttlService), q.Qtype)
	}
	for _, h := range p.registry.hosts {
		appendIf(h.records(ttlHost), q.Qtype)
	}
	for _, k := range p.registry.keys {
		appendIf(k.records(ttlHost), q.Qtype)
	}
	return answers
}

// additionalFor attaches SRV/TXT/address records that a browse answer's
// consumer will need next (RFC 6763 §12).
func (p *BuiltinPublisher) additionalFor(answers []dns.RR) []dns.RR {
	var extra []dns.RR
	have := make(map[string]bool)
	for _, rr := range answers {
		have[rr.Header().String()] = true
	}

	appendExtra := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if !have[rr.Header().String()] {
				have[rr.Header().String()] = true
				extra = append(extra, rr)
			}
		}
	}

	for _, rr := range answers {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		for key, s := range p.registry.services {
			if equalNames(fullInstanceName(key.instanceName, key.serviceType), ptr.Ptr) {
				appendExtra(s.records(ttlService))
				if h, ok := p.registry.hosts[s.hostName]; ok {
					appendExtra(h.records(ttlHost))
				}
			}
		}
	}
	return extra
}

// knownAnswer reports whether the query already carries rr with at least
// half of its TTL remaining. Shared PTR records additionally compare their
// targets so one instance cannot suppress its siblings.
func knownAnswer(msg *dns.Msg, rr dns.RR) bool {
	for _, known := range msg.Answer {
		if known.Header().Rrtype != rr.Header().Rrtype ||
			!equalNames(known.Header().Name, rr.Header().Name) ||
			known.Header().Ttl < rr.Header().Ttl/2 {
			continue
		}
		if ourPtr, ok := rr.(*dns.PTR); ok {
			knownPtr, ok := known.(*dns.PTR)
			if !ok || !equalNames(knownPtr.Ptr, ourPtr.Ptr) {
				continue
			}
		}
		return true
	}
	return false
}

func equalNames(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

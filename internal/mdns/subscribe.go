package mdns

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Subscription re-query pacing: the first query goes out immediately, then
// the interval doubles per attempt up to the cap (RFC 6762 §5.2).
const (
	requeryInitialInterval = time.Second
	requeryMaxInterval     = time.Minute
)

// serviceSubscription tracks one browse (instanceName empty) or resolve
// subscription.
type serviceSubscription struct {
	serviceType  string
	instanceName string
	generation   uint64
}

// hostSubscription tracks one host address subscription.
type hostSubscription struct {
	hostName   string
	generation uint64
}

// AddSubscriptionCallbacks implements Publisher.
func (p *BuiltinPublisher) AddSubscriptionCallbacks(onService ServiceResolvedCallback, onHost HostResolvedCallback) uint64 {
	p.nextCallbackID++
	p.subCallbacks[p.nextCallbackID] = subscriptionCallbacks{onService: onService, onHost: onHost}
	return p.nextCallbackID
}

// RemoveSubscriptionCallbacks implements Publisher.
func (p *BuiltinPublisher) RemoveSubscriptionCallbacks(id uint64) {
	delete(p.subCallbacks, id)
}

// SubscribeService implements Publisher.
func (p *BuiltinPublisher) SubscribeService(serviceType, instanceName string) {
	key := serviceKey{serviceType, instanceName}
	if _, ok := p.serviceSubs[key]; ok {
		return
	}
	sub := &serviceSubscription{serviceType: serviceType, instanceName: instanceName}
	p.serviceSubs[key] = sub

	p.sendServiceQuery(sub, requeryInitialInterval)
	p.notifyLocalMatches(sub)
}

// UnsubscribeService implements Publisher.
func (p *BuiltinPublisher) UnsubscribeService(serviceType, instanceName string) {
	key := serviceKey{serviceType, instanceName}
	if sub, ok := p.serviceSubs[key]; ok {
		// Invalidate any scheduled re-query for this subscription.
		sub.generation++
		delete(p.serviceSubs, key)
	}
}

// SubscribeHost implements Publisher.
func (p *BuiltinPublisher) SubscribeHost(hostName string) {
	if _, ok := p.hostSubs[hostName]; ok {
		return
	}
	sub := &hostSubscription{hostName: hostName}
	p.hostSubs[hostName] = sub

	p.sendHostQuery(sub, requeryInitialInterval)

	if host, ok := p.registry.hosts[hostName]; ok {
		p.notifyHostResolved(hostName, DiscoveredHostInfo{
			HostName:  fullHostName(hostName),
			Addresses: host.addresses,
			TTL:       ttlHost,
		})
	}
}

// UnsubscribeHost implements Publisher.
func (p *BuiltinPublisher) UnsubscribeHost(hostName string) {
	if sub, ok := p.hostSubs[hostName]; ok {
		sub.generation++
		delete(p.hostSubs, hostName)
	}
}

// sendServiceQuery transmits the subscription's query and schedules the
// next one with a doubled interval, unless the subscription was cancelled
// or replaced in the meantime.
func (p *BuiltinPublisher) sendServiceQuery(sub *serviceSubscription, next time.Duration) {
	if !p.started {
		return
	}

	msg := new(dns.Msg)
	if sub.instanceName == "" {
		msg.SetQuestion(fullServiceType(sub.serviceType), dns.TypePTR)
	} else {
		msg.SetQuestion(fullInstanceName(sub.instanceName, sub.serviceType), dns.TypeANY)
	}
	msg.RecursionDesired = false
	if data, err := msg.Pack(); err == nil {
		p.tr.SendMulticast(data)
	}

	generation := sub.generation
	p.tasks.PostDelayed(next, func() {
		current, ok := p.serviceSubs[serviceKey{sub.serviceType, sub.instanceName}]
		if !ok || current != sub || sub.generation != generation {
			return
		}
		interval := next * 2
		if interval > requeryMaxInterval {
			interval = requeryMaxInterval
		}
		p.sendServiceQuery(sub, interval)
	})
}

func (p *BuiltinPublisher) sendHostQuery(sub *hostSubscription, next time.Duration) {
	if !p.started {
		return
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fullHostName(sub.hostName), dns.TypeAAAA)
	msg.RecursionDesired = false
	if data, err := msg.Pack(); err == nil {
		p.tr.SendMulticast(data)
	}

	generation := sub.generation
	p.tasks.PostDelayed(next, func() {
		current, ok := p.hostSubs[sub.hostName]
		if !ok || current != sub || sub.generation != generation {
			return
		}
		interval := next * 2
		if interval > requeryMaxInterval {
			interval = requeryMaxInterval
		}
		p.sendHostQuery(sub, interval)
	})
}

// handleResponse scans a response seen on the link and feeds every matching
// subscription.
func (p *BuiltinPublisher) handleResponse(msg *dns.Msg, pkt packet) {
	rrs := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)

	for _, sub := range p.serviceSubs {
		if sub.instanceName == "" {
			p.matchBrowse(sub, rrs, pkt)
		} else {
			instance := fullInstanceName(sub.instanceName, sub.serviceType)
			p.matchResolve(sub.serviceType, instance, rrs, pkt)
		}
	}

	for _, sub := range p.hostSubs {
		hostName := fullHostName(sub.hostName)
		addresses, ttl, found := addressesFor(rrs, hostName)
		if found {
			p.notifyHostResolved(sub.hostName, DiscoveredHostInfo{
				HostName:  hostName,
				Addresses: addresses,
				TTL:       ttl,
			})
		}
	}
}

// matchBrowse reacts to PTR records for the subscribed type.
func (p *BuiltinPublisher) matchBrowse(sub *serviceSubscription, rrs []dns.RR, pkt packet) {
	serviceType := fullServiceType(sub.serviceType)
	for _, rr := range rrs {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		name := ptr.Header().Name
		if !equalNames(name, serviceType) && !strings.HasSuffix(dns.CanonicalName(name), "._sub."+dns.CanonicalName(serviceType)) {
			continue
		}

		if ptr.Header().Ttl == 0 {
			p.notifyServiceResolved(sub.serviceType, DiscoveredInstanceInfo{
				Removed:    true,
				NetifIndex: pkt.ifIndex,
				Name:       instanceLabel(ptr.Ptr, serviceType),
			})
			continue
		}
		p.matchResolve(sub.serviceType, ptr.Ptr, rrs, pkt)
	}
}

// matchResolve assembles a DiscoveredInstanceInfo from the SRV/TXT/address
// records for one instance name.
func (p *BuiltinPublisher) matchResolve(serviceType, instance string, rrs []dns.RR, pkt packet) {
	var srv *dns.SRV
	var txtData TxtData
	for _, rr := range rrs {
		if !equalNames(rr.Header().Name, instance) {
			continue
		}
		switch v := rr.(type) {
		case *dns.SRV:
			srv = v
		case *dns.TXT:
			txtData = txtStringsToData(v.Txt)
		}
	}
	if srv == nil {
		return
	}

	if srv.Header().Ttl == 0 {
		p.notifyServiceResolved(serviceType, DiscoveredInstanceInfo{
			Removed:    true,
			NetifIndex: pkt.ifIndex,
			Name:       instanceLabel(instance, fullServiceType(serviceType)),
		})
		return
	}

	addresses, _, _ := addressesFor(rrs, srv.Target)
	p.notifyServiceResolved(serviceType, DiscoveredInstanceInfo{
		NetifIndex: pkt.ifIndex,
		Name:       instanceLabel(instance, fullServiceType(serviceType)),
		HostName:   srv.Target,
		Port:       srv.Port,
		Priority:   srv.Priority,
		Weight:     srv.Weight,
		Addresses:  addresses,
		TxtData:    txtData,
		TTL:        srv.Header().Ttl,
	})
}

// notifyLocalMatches feeds a new subscription from the local registry so a
// subscriber sees records this process itself published.
func (p *BuiltinPublisher) notifyLocalMatches(sub *serviceSubscription) {
	for key, service := range p.registry.services {
		if key.serviceType != sub.serviceType {
			continue
		}
		if sub.instanceName != "" && key.instanceName != sub.instanceName {
			continue
		}
		p.notifyLocalService(service, false)
	}
}

// notifyLocalService fans a locally published (or withdrawn) service out to
// matching subscriptions.
func (p *BuiltinPublisher) notifyLocalService(service *publishedService, removed bool) {
	for key := range p.serviceSubs {
		if key.serviceType != service.serviceType {
			continue
		}
		if key.instanceName != "" && key.instanceName != service.instanceName {
			continue
		}

		info := DiscoveredInstanceInfo{
			Removed: removed,
			Name:    service.instanceName,
		}
		if !removed {
			info.HostName = fullHostName(service.hostName)
			info.Port = service.port
			info.TxtData = service.txtData
			info.TTL = ttlService
			if host, ok := p.registry.hosts[service.hostName]; ok {
				info.Addresses = host.addresses
			}
		}
		p.notifyServiceResolved(service.serviceType, info)
	}
}

// notifyLocalHost fans a locally published (or withdrawn) host out to
// matching subscriptions.
func (p *BuiltinPublisher) notifyLocalHost(host *publishedHost, removed bool) {
	if _, ok := p.hostSubs[host.hostName]; !ok {
		return
	}
	info := DiscoveredHostInfo{HostName: fullHostName(host.hostName)}
	if !removed {
		info.Addresses = host.addresses
		info.TTL = ttlHost
	}
	p.notifyHostResolved(host.hostName, info)
}

func (p *BuiltinPublisher) notifyServiceResolved(serviceType string, info DiscoveredInstanceInfo) {
	for _, cbs := range p.subCallbacks {
		if cbs.onService == nil {
			continue
		}
		cb := cbs.onService
		p.tasks.Post(func() { cb(serviceType, info) })
	}
}

func (p *BuiltinPublisher) notifyHostResolved(hostName string, info DiscoveredHostInfo) {
	for _, cbs := range p.subCallbacks {
		if cbs.onHost == nil {
			continue
		}
		cb := cbs.onHost
		p.tasks.Post(func() { cb(hostName, info) })
	}
}

// addressesFor collects the address records for a host name.
func addressesFor(rrs []dns.RR, hostName string) (addresses []netip.Addr, ttl uint32, found bool) {
	for _, rr := range rrs {
		if !equalNames(rr.Header().Name, hostName) {
			continue
		}
		switch v := rr.(type) {
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(v.AAAA); ok {
				addresses = append(addresses, addr)
				ttl = v.Header().Ttl
				found = true
			}
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
				addresses = append(addresses, addr)
				ttl = v.Header().Ttl
				found = true
			}
		}
	}
	return addresses, ttl, found
}

// instanceLabel strips the service type suffix from a full instance name:
// "service1._test._tcp.local." -> "service1".
func instanceLabel(instance, serviceType string) string {
	name := strings.TrimSuffix(dns.CanonicalName(instance), "."+dns.CanonicalName(serviceType))
	return strings.TrimSuffix(name, ".")
}

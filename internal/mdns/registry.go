package mdns

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// TTL policy per RFC 6762 §10: shared service records use 120 seconds,
// unique host records use 75 minutes, goodbye announcements use zero.
const (
	ttlService uint32 = 120
	ttlHost    uint32 = 4500
	ttlGoodbye uint32 = 0
)

// cacheFlushBit marks a unique record set in the class field (RFC 6762
// §10.2).
const cacheFlushBit = 0x8000

// publishedService is one registered service instance, keyed by
// (serviceType, instanceName).
type publishedService struct {
	hostName     string
	instanceName string
	serviceType  string
	subTypes     SubTypeList
	port         uint16
	txtData      TxtData
}

// publishedHost is one registered host, keyed by host name.
type publishedHost struct {
	hostName  string
	addresses []netip.Addr
}

// publishedKey is one registered KEY record, keyed by its full name.
type publishedKey struct {
	name    string
	keyData []byte
}

// registry tracks everything the publisher currently claims on the link.
// Access is confined to the reactor goroutine.
type registry struct {
	services map[serviceKey]*publishedService
	hosts    map[string]*publishedHost
	keys     map[string]*publishedKey
}

type serviceKey struct {
	serviceType  string
	instanceName string
}

func newRegistry() *registry {
	return &registry{
		services: make(map[serviceKey]*publishedService),
		hosts:    make(map[string]*publishedHost),
		keys:     make(map[string]*publishedKey),
	}
}

// fullHostName qualifies a Thread-side host name into the local domain:
// "host1" -> "host1.local.".
func fullHostName(hostName string) string {
	if hostName == "" {
		return ""
	}
	if strings.HasSuffix(hostName, "."+localDomain) {
		return hostName
	}
	return hostName + "." + localDomain
}

// fullServiceType qualifies "_test._tcp" -> "_test._tcp.local.".
func fullServiceType(serviceType string) string {
	if strings.HasSuffix(serviceType, "."+localDomain) {
		return serviceType
	}
	return serviceType + "." + localDomain
}

// fullInstanceName produces "instance._test._tcp.local.".
func fullInstanceName(instanceName, serviceType string) string {
	return instanceName + "." + fullServiceType(serviceType)
}

// records builds the announcement record set for one service: the PTR
// pointing at the instance, the SRV, the TXT, and one PTR per sub-type.
func (s *publishedService) records(ttl uint32) []dns.RR {
	instance := fullInstanceName(s.instanceName, s.serviceType)
	serviceType := fullServiceType(s.serviceType)

	rrs := []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
			Ptr: instance,
		},
		&dns.SRV{
			Hdr:    dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET | cacheFlushBit, Ttl: ttl},
			Target: fullHostName(s.hostName),
			Port:   s.port,
		},
		&dns.TXT{
			Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET | cacheFlushBit, Ttl: ttl},
			Txt: txtDataToStrings(s.txtData),
		},
	}

	for _, sub := range s.subTypes {
		subName := sub + "._sub." + serviceType
		rrs = append(rrs, &dns.PTR{
			Hdr: dns.RR_Header{Name: subName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
			Ptr: instance,
		})
	}

	return rrs
}

// records builds the address record set for one host: AAAA for IPv6
// addresses, A for IPv4 and IPv4-mapped addresses.
func (h *publishedHost) records(ttl uint32) []dns.RR {
	name := fullHostName(h.hostName)
	rrs := make([]dns.RR, 0, len(h.addresses))
	for _, addr := range h.addresses {
		if addr.Is4() || addr.Is4In6() {
			rrs = append(rrs, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET | cacheFlushBit, Ttl: ttl},
				A:   net.IP(addr.Unmap().AsSlice()),
			})
			continue
		}
		rrs = append(rrs, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET | cacheFlushBit, Ttl: ttl},
			AAAA: net.IP(addr.AsSlice()),
		})
	}
	return rrs
}

// records builds the KEY record carrying opaque rdata. miekg/dns models
// unknown rdata through RFC3597.
func (k *publishedKey) records(ttl uint32) []dns.RR {
	rfc3597 := &dns.RFC3597{
		Hdr:   dns.RR_Header{Name: fullHostName(k.name), Rrtype: dns.TypeKEY, Class: dns.ClassINET | cacheFlushBit, Ttl: ttl},
		Rdata: hex.EncodeToString(k.keyData),
	}
	return []dns.RR{rfc3597}
}

// allRecords enumerates every record currently claimed; Stop uses it to
// send goodbye announcements.
func (r *registry) allRecords(ttl uint32) []dns.RR {
	var rrs []dns.RR
	for _, s := range r.services {
		rrs = append(rrs, s.records(ttl)...)
	}
	for _, h := range r.hosts {
		rrs = append(rrs, h.records(ttl)...)
	}
	for _, k := range r.keys {
		rrs = append(rrs, k.records(ttl)...)
	}
	return rrs
}

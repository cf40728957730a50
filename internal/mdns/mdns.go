// Package mdns defines the DNS-SD publisher contract consumed by the agent
// and provides a built-in link-local multicast DNS implementation of it.
//
// The Publisher mirrors Thread-side registrations (service instances, host
// address records, generic key records) into mDNS on the infrastructure
// interface, and fans incoming browse/resolve traffic out to subscription
// callbacks. All Publisher methods run on the reactor goroutine.
package mdns

import "net/netip"

// State is the aggregate publisher state.
type State int

const (
	// StateIdle means the publisher is not ready to publish records.
	StateIdle State = iota

	// StateReady means the publisher is up and accepting registrations.
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// StateObserver receives aggregate state changes.
type StateObserver interface {
	HandleMdnsState(state State)
}

// ResultCallback reports completion of an asynchronous publish or unpublish
// request. A nil error means success. Callbacks are queued on the reactor
// and never invoked re-entrantly from within the requesting call.
type ResultCallback func(err error)

// TxtData is RFC 6763 §6 TXT record data: a sequence of length-prefixed
// key=value entries.
type TxtData []byte

// TxtEntry is one decoded TXT attribute. NoValue distinguishes a bare key
// ("key") from a key with an empty value ("key=").
type TxtEntry struct {
	Key     string
	Value   []byte
	NoValue bool
}

// SubTypeList holds service sub-type labels without the leading service
// type, e.g. "_sub1".
type SubTypeList = []string

// DiscoveredInstanceInfo describes a resolved service instance.
type DiscoveredInstanceInfo struct {
	// Removed is true when the instance was withdrawn (TTL zero).
	Removed bool

	// NetifIndex is the interface the answer arrived on, zero if unknown.
	NetifIndex uint32

	// Name is the service instance name, without the service type suffix.
	Name string

	// HostName is the fully qualified host name, e.g. "host1.local.".
	HostName string

	// Port, Priority and Weight come from the SRV record.
	Port     uint16
	Priority uint16
	Weight   uint16

	// Addresses are the host's IPv6 addresses.
	Addresses []netip.Addr

	// TxtData is the raw TXT record data.
	TxtData TxtData

	// TTL is the remaining record TTL in seconds.
	TTL uint32
}

// DiscoveredHostInfo describes a resolved host.
type DiscoveredHostInfo struct {
	// HostName is the fully qualified host name, e.g. "host1.local.".
	HostName string

	// Addresses are the host's IPv6 addresses.
	Addresses []netip.Addr

	// TTL is the remaining record TTL in seconds.
	TTL uint32
}

// ServiceResolvedCallback fires when a subscribed service instance is
// resolved or removed.
type ServiceResolvedCallback func(serviceType string, info DiscoveredInstanceInfo)

// HostResolvedCallback fires when a subscribed host is resolved.
type HostResolvedCallback func(hostName string, info DiscoveredHostInfo)

// Publisher registers records into DNS-SD and manages subscriptions.
//
// All operations complete asynchronously through the ResultCallback.
// Publishing an instance keyed (serviceType, instanceName) that already
// exists overwrites the record and triggers update announcements.
type Publisher interface {
	// PublishService registers or replaces a service instance.
	PublishService(hostName, instanceName, serviceType string, subTypes SubTypeList, port uint16, txtData TxtData, cb ResultCallback)

	// UnpublishService withdraws a service instance.
	UnpublishService(instanceName, serviceType string, cb ResultCallback)

	// PublishHost registers or replaces a host address record set.
	PublishHost(hostName string, addresses []netip.Addr, cb ResultCallback)

	// UnpublishHost withdraws a host.
	UnpublishHost(hostName string, cb ResultCallback)

	// PublishKey registers or replaces a generic KEY record.
	PublishKey(name string, keyData []byte, cb ResultCallback)

	// UnpublishKey withdraws a KEY record.
	UnpublishKey(name string, cb ResultCallback)

	// SubscribeService subscribes to browsing a service type when
	// instanceName is empty, otherwise to resolving that instance.
	SubscribeService(serviceType, instanceName string)

	// UnsubscribeService cancels a service subscription.
	UnsubscribeService(serviceType, instanceName string)

	// SubscribeHost subscribes to resolving a host's addresses.
	SubscribeHost(hostName string)

	// UnsubscribeHost cancels a host subscription.
	UnsubscribeHost(hostName string)

	// AddSubscriptionCallbacks registers fan-out callbacks, returning an
	// id usable with RemoveSubscriptionCallbacks. Either callback may be
	// nil.
	AddSubscriptionCallbacks(onService ServiceResolvedCallback, onHost HostResolvedCallback) uint64

	// RemoveSubscriptionCallbacks deregisters fan-out callbacks.
	RemoveSubscriptionCallbacks(id uint64)

	// Start brings the publisher up.
	Start() error

	// Stop tears the publisher down and withdraws all records.
	Stop()

	// IsStarted reports whether Start has succeeded.
	IsStarted() bool

	// State returns the aggregate state.
	State() State
}

// localDomain is the mDNS domain appended to every published name.
const localDomain = "local."

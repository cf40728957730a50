// Package dnssd implements the DNS-SD platform shim between the Thread
// stack's dnssd callbacks and the mDNS publisher.
//
// The platform is Ready exactly when it has been started and the publisher
// reports Ready; every other combination is Stopped. Registration requests
// pass the caller-supplied RequestId through to the publisher completion so
// the stack can correlate results.
package dnssd

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mdns"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// State is the platform state as seen by the Thread stack.
type State int

const (
	// StateStopped is the initial and fallback state.
	StateStopped State = iota

	// StateReady means registrations are being served.
	StateReady
)

// String returns the state name.
func (s State) String() string {
	if s == StateReady {
		return "Ready"
	}
	return "Stopped"
}

// RequestId correlates a registration request with its completion.
type RequestId uint32

// RegisterCallback reports a registration outcome to the Thread stack.
type RegisterCallback func(id RequestId, kind otbr.ErrorKind)

// StateChangedCallback notifies the host layer of platform state changes.
type StateChangedCallback func(state State)

// Service is a Thread-side service registration request.
type Service struct {
	HostName        string
	ServiceInstance string
	ServiceType     string
	SubTypeLabels   []string
	Port            uint16
	TxtData         mdns.TxtData
}

// Host is a Thread-side host registration request.
type Host struct {
	HostName  string
	Addresses []netip.Addr
}

// Key is a Thread-side key registration request. ServiceType is non-empty
// for service instance keys.
type Key struct {
	Name        string
	ServiceType string
	KeyData     []byte
}

// Platform bridges the stack's dnssd platform API onto one Publisher.
// Methods run on the reactor goroutine.
type Platform struct {
	logger    *zap.Logger
	publisher mdns.Publisher

	running        bool
	state          State
	publisherState mdns.State
	stateCallback  StateChangedCallback
}

// NewPlatform creates the platform tied to a publisher. The platform
// observes publisher state through HandleMdnsState; callers register it
// with the publisher as a state observer.
func NewPlatform(logger *zap.Logger, publisher mdns.Publisher) *Platform {
	return &Platform{
		logger:         logger,
		publisher:      publisher,
		state:          StateStopped,
		publisherState: publisher.State(),
	}
}

// SetStateChangedCallback installs the callback invoked on state changes.
func (p *Platform) SetStateChangedCallback(cb StateChangedCallback) {
	p.stateCallback = cb
}

// State returns the current platform state.
func (p *Platform) State() State { return p.state }

// Start marks the platform running.
func (p *Platform) Start() {
	p.running = true
	p.updateState()
}

// Stop marks the platform stopped.
func (p *Platform) Stop() {
	p.running = false
	p.updateState()
}

// HandleMdnsState implements mdns.StateObserver.
func (p *Platform) HandleMdnsState(state mdns.State) {
	p.publisherState = state
	p.updateState()
}

func (p *Platform) updateState() {
	next := StateStopped
	if p.running && p.publisherState == mdns.StateReady {
		next = StateReady
	}
	if next == p.state {
		return
	}
	p.state = next
	p.logger.Info("dnssd platform state changed", zap.Stringer("state", next))
	if p.stateCallback != nil {
		p.stateCallback(next)
	}
}

// RegisterService translates a service registration into a publisher call.
func (p *Platform) RegisterService(service *Service, id RequestId, cb RegisterCallback) {
	p.publisher.PublishService(service.HostName, service.ServiceInstance, service.ServiceType,
		service.SubTypeLabels, service.Port, service.TxtData, makeResultCallback(id, cb))
}

// UnregisterService withdraws a service registration.
func (p *Platform) UnregisterService(service *Service, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishService(service.ServiceInstance, service.ServiceType, makeResultCallback(id, cb))
}

// RegisterHost translates a host registration into a publisher call.
func (p *Platform) RegisterHost(host *Host, id RequestId, cb RegisterCallback) {
	p.publisher.PublishHost(host.HostName, host.Addresses, makeResultCallback(id, cb))
}

// UnregisterHost withdraws a host registration.
func (p *Platform) UnregisterHost(host *Host, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishHost(host.HostName, makeResultCallback(id, cb))
}

// RegisterKey translates a key registration into a publisher call.
func (p *Platform) RegisterKey(key *Key, id RequestId, cb RegisterCallback) {
	p.publisher.PublishKey(keyNameFor(key), key.KeyData, makeResultCallback(id, cb))
}

// UnregisterKey withdraws a key registration.
func (p *Platform) UnregisterKey(key *Key, id RequestId, cb RegisterCallback) {
	p.publisher.UnpublishKey(keyNameFor(key), makeResultCallback(id, cb))
}

// keyNameFor qualifies a service instance key with its service type.
func keyNameFor(key *Key) string {
	if key.ServiceType != "" {
		return key.Name + "." + key.ServiceType
	}
	return key.Name
}

func makeResultCallback(id RequestId, cb RegisterCallback) mdns.ResultCallback {
	if cb == nil {
		return nil
	}
	return func(err error) {
		cb(id, otbr.KindOf(err))
	}
}

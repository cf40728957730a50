// Package sdproxy implements the SRP advertising proxy: it mirrors SRP
// server registrations (a host plus its services) into the mDNS publisher
// and completes each SRP update once every publisher callback has
// reported.
package sdproxy

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mdns"
	"github.com/openthread/otbr-agent/internal/ncp"
)

// AdvertisingProxy consumes SRP server update events. Methods run on the
// reactor goroutine.
type AdvertisingProxy struct {
	logger    *zap.Logger
	host      *ncp.RcpHost
	publisher mdns.Publisher

	enabled     bool
	outstanding []*outstandingUpdate
}

// outstandingUpdate tracks one SRP update transaction until every
// publisher callback has fired. The first error wins.
type outstandingUpdate struct {
	id            ncp.SrpUpdateId
	hostName      string
	callbackCount int
	firstError    error
}

// New creates the proxy and installs its handler on the SRP server.
func New(logger *zap.Logger, host *ncp.RcpHost, publisher mdns.Publisher) *AdvertisingProxy {
	p := &AdvertisingProxy{logger: logger, host: host, publisher: publisher}
	host.Stack().SetSrpServerUpdateHandler(p.handleSrpUpdate)
	return p
}

// IsEnabled reports whether the proxy publishes updates.
func (p *AdvertisingProxy) IsEnabled() bool { return p.enabled }

// SetEnabled enables or disables the proxy. Enabling republishes the SRP
// server's current state.
func (p *AdvertisingProxy) SetEnabled(enabled bool) {
	if enabled == p.enabled {
		return
	}
	p.enabled = enabled
	if enabled {
		p.logger.Info("advertising proxy enabled")
		p.PublishAllHostsAndServices()
	} else {
		p.logger.Info("advertising proxy disabled")
	}
}

// HandleMdnsState reacts to publisher state changes: on Ready everything
// is republished; on anything else nothing is done since the publisher
// resets its own registrations.
func (p *AdvertisingProxy) HandleMdnsState(state mdns.State) {
	if state == mdns.StateReady && p.enabled {
		p.PublishAllHostsAndServices()
	}
}

// PublishAllHostsAndServices walks the SRP server's registrations and
// republishes every non-deleted host and service. Results are not tracked
// against an SRP transaction.
func (p *AdvertisingProxy) PublishAllHostsAndServices() {
	for _, host := range p.host.Stack().SrpServerHosts() {
		if host.Deleted {
			continue
		}
		p.publishHostAndServices(host, nil)
	}
}

// handleSrpUpdate is the SRP server's advertising handler: it publishes
// (or withdraws) the host and its services and finishes the transaction
// once all publisher callbacks have reported. The timeout is enforced by
// the SRP server itself.
func (p *AdvertisingProxy) handleSrpUpdate(id ncp.SrpUpdateId, host *ncp.SrpHost, timeout time.Duration) {
	if !p.enabled {
		// Answer with a non-error no-op so the SRP transaction completes.
		p.host.Stack().HandleSrpServerUpdateResult(id, nil)
		return
	}

	update := &outstandingUpdate{id: id, hostName: host.FullName}
	p.publishHostAndServices(host, update)

	if update.callbackCount == 0 {
		p.host.Stack().HandleSrpServerUpdateResult(id, update.firstError)
		return
	}
	p.outstanding = append(p.outstanding, update)
}

func (p *AdvertisingProxy) publishHostAndServices(host *ncp.SrpHost, update *outstandingUpdate) {
	hostLabel := hostLabelOf(host.FullName)

	if host.Deleted {
		p.track(update)
		p.publisher.UnpublishHost(hostLabel, p.resultCallback(update))
		for _, service := range host.Services {
			p.track(update)
			p.publisher.UnpublishService(service.InstanceName, service.ServiceType, p.resultCallback(update))
		}
		return
	}

	addresses := EligibleAddresses(host.Addresses)
	p.track(update)
	p.publisher.PublishHost(hostLabel, addresses, p.resultCallback(update))

	for _, service := range host.Services {
		if service.Deleted {
			p.track(update)
			p.publisher.UnpublishService(service.InstanceName, service.ServiceType, p.resultCallback(update))
			continue
		}
		p.track(update)
		p.publisher.PublishService(hostLabel, service.InstanceName, service.ServiceType,
			service.SubTypes, service.Port, service.TxtData, p.resultCallback(update))
	}
}

func (p *AdvertisingProxy) track(update *outstandingUpdate) {
	if update != nil {
		update.callbackCount++
	}
}

func (p *AdvertisingProxy) resultCallback(update *outstandingUpdate) mdns.ResultCallback {
	if update == nil {
		return func(err error) {
			if err != nil {
				p.logger.Warn("republish failed", zap.Error(err))
			}
		}
	}
	id := update.id
	return func(err error) { p.onPublisherResult(id, err) }
}

// onPublisherResult accounts one publisher completion against its update.
func (p *AdvertisingProxy) onPublisherResult(id ncp.SrpUpdateId, err error) {
	for i, update := range p.outstanding {
		if update.id != id {
			continue
		}
		if err != nil && update.firstError == nil {
			update.firstError = err
		}
		update.callbackCount--
		if update.callbackCount > 0 {
			return
		}

		p.outstanding = append(p.outstanding[:i], p.outstanding[i+1:]...)
		if update.firstError != nil {
			p.logger.Warn("SRP update failed",
				zap.Uint32("updateId", uint32(id)),
				zap.String("host", update.hostName),
				zap.Error(update.firstError))
		}
		p.host.Stack().HandleSrpServerUpdateResult(id, update.firstError)
		return
	}
}

// hostLabelOf strips the SRP domain from a full host name:
// "host1.default.service.arpa." -> "host1".
func hostLabelOf(fullName string) string {
	if i := strings.IndexByte(fullName, '.'); i >= 0 {
		return fullName[:i]
	}
	return fullName
}

// Package agent wires the runtime together: one Application owns the
// reactor, task runner, publisher, dnssd platform, RCP host, D-Bus agent,
// advertising proxy, UDP proxy and DSO listener, and hands references
// downward instead of relying on process-wide singletons.
package agent

import (
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/dbus"
	"github.com/openthread/otbr-agent/internal/dnssd"
	"github.com/openthread/otbr-agent/internal/dso"
	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/mdns"
	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/sdproxy"
	"github.com/openthread/otbr-agent/internal/task"
	"github.com/openthread/otbr-agent/internal/udpproxy"
)

// borderAgentUdpPort is the Thread-side port bridged by the UDP proxy for
// external commissioners.
const borderAgentUdpPort = 49191

// maxPollTimeout bounds one reactor iteration.
const maxPollTimeout = 10 * time.Second

// Config selects the agent's interfaces and optional front ends.
type Config struct {
	InterfaceName         string
	RadioUrls             []string
	BackboneInterfaceName string
	DryRun                bool
	EnableAutoAttach      bool
	EnableDBus            bool
	EnableDSOListener     bool
}

// Application is the runtime root.
type Application struct {
	logger *zap.Logger
	config Config

	metrics  *prometheus.Registry
	reactor  *mainloop.Manager
	tasks    *task.Runner
	stack    ncp.Stack
	host     *ncp.RcpHost
	pub      *mdns.BuiltinPublisher
	platform *dnssd.Platform
	advProxy *sdproxy.AdvertisingProxy
	udpProxy *udpproxy.UdpProxy
	dsoList  *dso.Listener
	dbusAgnt *dbus.Agent

	initialized bool
}

// New constructs the runtime without touching the radio or the network.
func New(logger *zap.Logger, config Config) (*Application, error) {
	if config.InterfaceName == "" {
		return nil, otbr.Errorf(otbr.KindInvalidArgs, "empty Thread interface name")
	}
	if len(config.RadioUrls) > ncp.MaxRadioUrls {
		return nil, otbr.Errorf(otbr.KindInvalidArgs, "%d radio URLs exceeds %d", len(config.RadioUrls), ncp.MaxRadioUrls)
	}

	tasks, err := task.NewRunner()
	if err != nil {
		return nil, err
	}

	app := &Application{
		logger:  logger,
		config:  config,
		metrics: prometheus.NewRegistry(),
		reactor: mainloop.NewManager(logger.Named("mainloop")),
		tasks:   tasks,
	}

	infraIfIndex := 0
	if config.BackboneInterfaceName != "" {
		iface, err := net.InterfaceByName(config.BackboneInterfaceName)
		if err != nil {
			logger.Warn("backbone interface not found, using default",
				zap.String("ifname", config.BackboneInterfaceName), zap.Error(err))
		} else {
			infraIfIndex = iface.Index
		}
	}

	app.stack = ncp.NewSimStack(tasks)
	app.host = ncp.NewRcpHost(logger.Named("ncp"), tasks, app.stack, ncp.Config{
		InterfaceName:         config.InterfaceName,
		RadioUrls:             config.RadioUrls,
		BackboneInterfaceName: config.BackboneInterfaceName,
		DryRun:                config.DryRun,
	}, config.EnableAutoAttach)

	app.pub = mdns.NewBuiltinPublisher(logger.Named("mdns"), tasks, app.metrics, infraIfIndex)
	app.platform = dnssd.NewPlatform(logger.Named("dnssd"), app.pub)
	app.pub.AddStateObserver(app.platform)

	app.advProxy = sdproxy.New(logger.Named("sdproxy"), app.host, app.pub)
	app.pub.AddStateObserver(mdnsStateAdapter{app.advProxy})

	app.udpProxy = udpproxy.New(logger.Named("udpproxy"), app, udpproxy.NewMetrics(app.metrics))

	if config.EnableDSOListener {
		app.dsoList = dso.NewListener(logger.Named("dso"), nil)
	}
	if config.EnableDBus {
		app.dbusAgnt = dbus.NewAgent(logger.Named("dbus"), tasks, app.host)
	}

	return app, nil
}

// mdnsStateAdapter forwards publisher state changes to the advertising
// proxy.
type mdnsStateAdapter struct {
	proxy *sdproxy.AdvertisingProxy
}

func (a mdnsStateAdapter) HandleMdnsState(state mdns.State) {
	a.proxy.HandleMdnsState(state)
}

// ForwardUdp implements udpproxy.UdpForwarder: datagrams from external
// commissioners are injected into the Thread stack by the platform
// binding. The simulated stack has no UDP plane, so the datagram is
// counted and dropped.
func (app *Application) ForwardUdp(payload []byte, remoteAddr netip.Addr, remotePort uint16, proxy *udpproxy.UdpProxy) {
	app.logger.Debug("udp datagram for Thread stack",
		zap.Int("length", len(payload)),
		zap.Stringer("remoteAddr", remoteAddr),
		zap.Uint16("remotePort", remotePort),
		zap.Uint16("threadPort", proxy.ThreadPort()))
}

// Init brings every component up in dependency order: reactor processors,
// the host, the publisher stack, front ends.
func (app *Application) Init() error {
	if app.initialized {
		return otbr.Errorf(otbr.KindInvalidState, "application already initialized")
	}

	app.reactor.AddProcessor(app.tasks)
	app.reactor.AddProcessor(app.pub)
	app.reactor.AddProcessor(app.udpProxy)
	if app.dsoList != nil {
		app.reactor.AddProcessor(app.dsoList)
	}

	if err := app.host.Init(); err != nil {
		return err
	}

	if err := app.pub.Start(); err != nil {
		app.host.Deinit()
		return err
	}
	app.platform.Start()
	app.advProxy.SetEnabled(true)

	// Bridge the Border Agent port whenever the device is attached.
	app.host.AddThreadStateChangedCallback(func(flags ncp.ChangedFlags) {
		if flags&ncp.FlagRoleChanged == 0 {
			return
		}
		if app.host.DeviceRole().IsAttached() {
			if err := app.udpProxy.Start(borderAgentUdpPort); err != nil {
				app.logger.Warn("failed to start UDP proxy", zap.Error(err))
			}
		} else {
			app.udpProxy.Stop()
		}
	})

	if app.dsoList != nil {
		if err := app.dsoList.Start(); err != nil {
			app.logger.Warn("DSO listener unavailable", zap.Error(err))
		}
	}

	if app.dbusAgnt != nil {
		if err := app.dbusAgnt.Init(); err != nil {
			app.logger.Warn("D-Bus agent unavailable", zap.Error(err))
		}
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		app.logger.Warn("sd_notify failed", zap.Error(err))
	} else if sent {
		app.logger.Info("notified systemd of readiness")
	}

	app.initialized = true
	return nil
}

// Run drives the reactor until SIGTERM or BreakMainloop. The first SIGTERM
// sets the termination flag and restores the default handler so a second
// signal kills the process immediately.
func (app *Application) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		app.logger.Info("terminating on signal", zap.Stringer("signal", sig))
		signal.Reset(syscall.SIGTERM, syscall.SIGINT)
		app.reactor.BreakMainloop()
	}()
	defer signal.Stop(sigCh)

	if rval := app.reactor.Run(maxPollTimeout); rval != 0 {
		return otbr.Errorf(otbr.KindGeneric, "mainloop failed with %d", rval)
	}
	return nil
}

// Deinit tears everything down in reverse order, releasing the stack
// instance last.
func (app *Application) Deinit() {
	if !app.initialized {
		return
	}
	app.initialized = false

	if app.dbusAgnt != nil {
		app.dbusAgnt.Deinit()
	}
	if app.dsoList != nil {
		app.dsoList.Stop()
	}
	app.udpProxy.Stop()
	app.advProxy.SetEnabled(false)
	app.platform.Stop()
	app.pub.Stop()
	app.host.Deinit()
	app.tasks.Shutdown()
}

// Host exposes the RCP host for integration surfaces.
func (app *Application) Host() *ncp.RcpHost { return app.host }

// Publisher exposes the mDNS publisher for integration surfaces.
func (app *Application) Publisher() mdns.Publisher { return app.pub }

// BreakMainloop stops a running Run from any goroutine.
func (app *Application) BreakMainloop() { app.reactor.BreakMainloop() }

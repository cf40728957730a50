package dbus

import (
	godbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// Well-known name and object path templates; the Thread interface name is
// appended so multiple agents can coexist on one bus.
const (
	busNamePrefix    = "io.openthread.BorderRouter."
	objectPathPrefix = "/io/openthread/BorderRouter/"
)

// Agent owns the system bus connection and the BorderRouter object.
type Agent struct {
	logger *zap.Logger
	tasks  *task.Runner
	host   *ncp.RcpHost

	conn         *godbus.Conn
	threadObject *ThreadObject
	busName      string
}

// NewAgent creates the D-Bus agent for the given host. Nothing touches the
// bus until Init.
func NewAgent(logger *zap.Logger, tasks *task.Runner, host *ncp.RcpHost) *Agent {
	return &Agent{
		logger:  logger,
		tasks:   tasks,
		host:    host,
		busName: busNamePrefix + host.InterfaceName(),
	}
}

// Init connects to the system bus, claims the well-known name, exports the
// BorderRouter object, and emits the Ready signal.
func (a *Agent) Init() error {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return otbr.Wrap(otbr.KindDbus, err, "failed to connect to system bus")
	}
	a.conn = conn

	reply, err := conn.RequestName(a.busName, godbus.NameFlagDoNotQueue|godbus.NameFlagReplaceExisting)
	if err != nil {
		conn.Close()
		a.conn = nil
		return otbr.Wrap(otbr.KindDbus, err, "failed to request bus name")
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		a.conn = nil
		return otbr.Errorf(otbr.KindDbus, "bus name %q already owned (reply %d)", a.busName, reply)
	}

	path := godbus.ObjectPath(objectPathPrefix + a.host.InterfaceName())
	a.threadObject = NewThreadObject(a.logger, conn, path, a.tasks, a.host)
	if err := a.threadObject.Init(); err != nil {
		conn.Close()
		a.conn = nil
		return err
	}

	if err := a.threadObject.Signal(BorderRouterInterface, "Ready"); err != nil {
		a.logger.Warn("failed to emit Ready signal", zap.Error(err))
	}

	a.logger.Info("D-Bus agent ready", zap.String("busName", a.busName))
	return nil
}

// Deinit releases the bus name and closes the connection.
func (a *Agent) Deinit() {
	if a.conn == nil {
		return
	}
	if a.threadObject != nil {
		a.threadObject.Deinit()
		a.threadObject = nil
	}
	a.conn.ReleaseName(a.busName)
	a.conn.Close()
	a.conn = nil
}

// ThreadObject returns the exported object, nil before Init.
func (a *Agent) ThreadObject() *ThreadObject { return a.threadObject }

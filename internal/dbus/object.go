package dbus

import (
	godbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// propertiesInterface is the standard D-Bus properties interface whose
// Get/Set/GetAll methods the framework implements once for all objects.
const propertiesInterface = "org.freedesktop.DBus.Properties"

// PropertyGetHandler produces a property value. It runs on the reactor
// goroutine.
type PropertyGetHandler func() (interface{}, error)

// PropertySetHandler consumes a property value. It runs on the reactor
// goroutine.
type PropertySetHandler func(value godbus.Variant) error

// Object is one exported D-Bus object: a path plus dispatch tables for
// methods and typed properties. Registration happens before Init; after
// Init the tables are read-only.
type Object struct {
	logger *zap.Logger
	conn   *godbus.Conn
	path   godbus.ObjectPath
	tasks  *task.Runner

	methods map[string]map[string]interface{}
	getters map[string]map[string]PropertyGetHandler
	setters map[string]map[string]PropertySetHandler
}

// NewObject creates an object on the given connection and path.
func NewObject(logger *zap.Logger, conn *godbus.Conn, path godbus.ObjectPath, tasks *task.Runner) *Object {
	return &Object{
		logger:  logger,
		conn:    conn,
		path:    path,
		tasks:   tasks,
		methods: make(map[string]map[string]interface{}),
		getters: make(map[string]map[string]PropertyGetHandler),
		setters: make(map[string]map[string]PropertySetHandler),
	}
}

// Path returns the object path.
func (o *Object) Path() godbus.ObjectPath { return o.path }

// RegisterMethod adds a method to the dispatch table. The handler is a
// typed function per the connection's export rules: its parameters are the
// decoded message body, its last return value must be *godbus.Error. The
// connection serves each call on its own goroutine; handlers bridge onto
// the reactor through CallOnReactor / CallAsync before touching core
// state.
func (o *Object) RegisterMethod(iface, member string, handler interface{}) {
	if o.methods[iface] == nil {
		o.methods[iface] = make(map[string]interface{})
	}
	o.methods[iface][member] = handler
}

// RegisterGetProperty adds a property getter to the dispatch table.
func (o *Object) RegisterGetProperty(iface, name string, handler PropertyGetHandler) {
	if o.getters[iface] == nil {
		o.getters[iface] = make(map[string]PropertyGetHandler)
	}
	o.getters[iface][name] = handler
}

// RegisterSetProperty adds a property setter to the dispatch table.
func (o *Object) RegisterSetProperty(iface, name string, handler PropertySetHandler) {
	if o.setters[iface] == nil {
		o.setters[iface] = make(map[string]PropertySetHandler)
	}
	o.setters[iface][name] = handler
}

// Init exports the registered tables on the connection. Destruction is
// Deinit, which deregisters the path.
func (o *Object) Init() error {
	for iface, table := range o.methods {
		if err := o.conn.ExportMethodTable(table, o.path, iface); err != nil {
			return otbr.Wrap(otbr.KindDbus, err, "failed to export method table")
		}
	}

	props := map[string]interface{}{
		"Get":    o.propertyGet,
		"Set":    o.propertySet,
		"GetAll": o.propertyGetAll,
	}
	if err := o.conn.ExportMethodTable(props, o.path, propertiesInterface); err != nil {
		return otbr.Wrap(otbr.KindDbus, err, "failed to export properties interface")
	}
	return nil
}

// Deinit deregisters the object path.
func (o *Object) Deinit() {
	for iface := range o.methods {
		o.conn.Export(nil, o.path, iface)
	}
	o.conn.Export(nil, o.path, propertiesInterface)
}

// Signal broadcasts a signal from this object's path.
func (o *Object) Signal(iface, member string, values ...interface{}) error {
	if o.conn == nil {
		return otbr.Errorf(otbr.KindDbus, "not connected")
	}
	if err := o.conn.Emit(o.path, iface+"."+member, values...); err != nil {
		return otbr.Wrap(otbr.KindDbus, err, "failed to emit signal")
	}
	return nil
}

// SignalPropertyChanged sends the standard PropertiesChanged signal with a
// single changed entry and an empty invalidated list.
func (o *Object) SignalPropertyChanged(iface, name string, value interface{}) error {
	changed := map[string]godbus.Variant{name: godbus.MakeVariant(value)}
	return o.Signal(propertiesInterface, "PropertiesChanged", iface, changed, []string{})
}

// CallOnReactor runs fn on the reactor goroutine and blocks the calling
// connection goroutine until it has run.
func (o *Object) CallOnReactor(fn func() error) error {
	var result error
	if err := o.tasks.PostAndWait(func() { result = fn() }); err != nil {
		return err
	}
	return result
}

// CallAsync starts an asynchronous operation on the reactor and blocks the
// calling connection goroutine until the operation delivers its result.
// start receives the deliver function to hand to the operation's receiver.
func (o *Object) CallAsync(start func(deliver func(err error))) error {
	ch := make(chan error, 1)
	if err := o.tasks.PostAndWait(func() {
		start(func(err error) { ch <- err })
	}); err != nil {
		return err
	}
	return <-ch
}

func (o *Object) propertyGet(iface, name string) (godbus.Variant, *godbus.Error) {
	handler := o.getters[iface][name]
	if handler == nil {
		return godbus.Variant{}, toDBusError(otbr.Errorf(otbr.KindNotFound, "no such property %s.%s", iface, name))
	}

	var value interface{}
	err := o.CallOnReactor(func() error {
		var err error
		value, err = handler()
		return err
	})
	if err != nil {
		return godbus.Variant{}, toDBusError(err)
	}
	return godbus.MakeVariant(value), nil
}

func (o *Object) propertySet(iface, name string, value godbus.Variant) *godbus.Error {
	handler := o.setters[iface][name]
	if handler == nil {
		return toDBusError(otbr.Errorf(otbr.KindNotFound, "no such writable property %s.%s", iface, name))
	}
	return toDBusError(o.CallOnReactor(func() error { return handler(value) }))
}

func (o *Object) propertyGetAll(iface string) (map[string]godbus.Variant, *godbus.Error) {
	out := make(map[string]godbus.Variant)
	for name, handler := range o.getters[iface] {
		handler := handler
		var value interface{}
		err := o.CallOnReactor(func() error {
			var err error
			value, err = handler()
			return err
		})
		if err != nil {
			// GetAll skips properties that fail to read; a single bad
			// property must not hide the rest.
			o.logger.Debug("property read failed", zap.String("property", name), zap.Error(err))
			continue
		}
		out[name] = godbus.MakeVariant(value)
	}
	return out, nil
}

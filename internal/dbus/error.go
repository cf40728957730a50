// Package dbus implements the D-Bus server surface of the agent: a generic
// object framework (method dispatch, typed property tables, signals) and
// the BorderRouter object built on it.
//
// The wire transport is github.com/godbus/dbus/v5. Exported handlers run on
// connection goroutines; every handler bridges onto the reactor before
// touching core state, so all mutation still happens on the reactor
// goroutine and replies flush once the reactor delivers the result.
package dbus

import (
	godbus "github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// errorNamespace prefixes every agent error name on the bus.
const errorNamespace = "io.openthread.Error."

var kindToName = map[otbr.ErrorKind]string{
	otbr.KindGeneric:              errorNamespace + "Generic",
	otbr.KindInvalidState:         errorNamespace + "InvalidState",
	otbr.KindInvalidArgs:          errorNamespace + "InvalidArgs",
	otbr.KindBusy:                 errorNamespace + "Busy",
	otbr.KindParse:                errorNamespace + "Parse",
	otbr.KindNoBufs:               errorNamespace + "NoBufs",
	otbr.KindNotImplemented:       errorNamespace + "NotImplemented",
	otbr.KindNotFound:             errorNamespace + "NotFound",
	otbr.KindAbort:                errorNamespace + "Abort",
	otbr.KindResponseTimeout:      errorNamespace + "ResponseTimeout",
	otbr.KindDuplicated:           errorNamespace + "Duplicated",
	otbr.KindAlready:              errorNamespace + "Already",
	otbr.KindNoAck:                errorNamespace + "NoAck",
	otbr.KindChannelAccessFailure: errorNamespace + "ChannelAccessFailure",
	otbr.KindFcsErr:               errorNamespace + "FcsErr",
	otbr.KindNameConflict:         errorNamespace + "NameConflict",
	otbr.KindDbus:                 errorNamespace + "Dbus",
}

var nameToKind = func() map[string]otbr.ErrorKind {
	m := make(map[string]otbr.ErrorKind, len(kindToName))
	for kind, name := range kindToName {
		m[name] = kind
	}
	return m
}()

// ErrorName maps an error kind to its dotted bus name.
func ErrorName(kind otbr.ErrorKind) string {
	if name, ok := kindToName[kind]; ok {
		return name
	}
	return kindToName[otbr.KindGeneric]
}

// KindFromName maps a dotted bus name back to an error kind. Unknown names
// map to Generic.
func KindFromName(name string) otbr.ErrorKind {
	if kind, ok := nameToKind[name]; ok {
		return kind
	}
	return otbr.KindGeneric
}

// toDBusError converts an agent error into a typed bus error. nil maps to
// nil so handlers can return it directly.
func toDBusError(err error) *godbus.Error {
	if err == nil {
		return nil
	}
	kind := otbr.KindOf(err)
	if kind == otbr.KindNone {
		return nil
	}
	return godbus.NewError(ErrorName(kind), []interface{}{err.Error()})
}

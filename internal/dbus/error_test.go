package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openthread/otbr-agent/internal/otbr"
)

// TestErrorNameRoundTrip verifies the bidirectional kind/name table.
func TestErrorNameRoundTrip(t *testing.T) {
	kinds := []otbr.ErrorKind{
		otbr.KindGeneric,
		otbr.KindInvalidState,
		otbr.KindInvalidArgs,
		otbr.KindBusy,
		otbr.KindParse,
		otbr.KindNoBufs,
		otbr.KindNotImplemented,
		otbr.KindNotFound,
		otbr.KindAbort,
		otbr.KindResponseTimeout,
		otbr.KindDuplicated,
		otbr.KindAlready,
		otbr.KindNameConflict,
		otbr.KindDbus,
	}
	for _, kind := range kinds {
		name := ErrorName(kind)
		assert.Equal(t, kind, KindFromName(name), "kind %v", kind)
		assert.Contains(t, name, "io.openthread.Error.")
	}
}

// TestUnknownNameMapsToGeneric verifies the fallback mapping.
func TestUnknownNameMapsToGeneric(t *testing.T) {
	assert.Equal(t, otbr.KindGeneric, KindFromName("io.openthread.Error.DoesNotExist"))
	assert.Equal(t, otbr.KindGeneric, KindFromName("org.freedesktop.DBus.Error.Failed"))
}

// TestToDBusError verifies nil and success map to nil, failures carry the
// dotted name and message.
func TestToDBusError(t *testing.T) {
	assert.Nil(t, toDBusError(nil))

	dbusErr := toDBusError(otbr.Errorf(otbr.KindBusy, "Thread is disabling"))
	if assert.NotNil(t, dbusErr) {
		assert.Equal(t, "io.openthread.Error.Busy", dbusErr.Name)
		assert.Contains(t, dbusErr.Body[0].(string), "Thread is disabling")
	}
}

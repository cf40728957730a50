package dbus

import (
	"testing"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/ncp"
	"github.com/openthread/otbr-agent/internal/task"
)

// objectFixture runs a reactor in the background so handler bridging via
// PostAndWait works the way it does in production.
type objectFixture struct {
	runner *task.Runner
	stack  *ncp.SimStack
	host   *ncp.RcpHost
	object *ThreadObject
}

func newObjectFixture(t *testing.T) *objectFixture {
	t.Helper()
	runner, err := task.NewRunner()
	require.NoError(t, err)

	mgr := mainloop.NewManager(zap.NewNop())
	mgr.AddProcessor(runner)
	loopDone := make(chan struct{})
	go func() {
		mgr.Run(50 * time.Millisecond)
		close(loopDone)
	}()
	t.Cleanup(func() {
		mgr.BreakMainloop()
		<-loopDone
		runner.Shutdown()
	})

	stack := ncp.NewSimStack(runner)
	host := ncp.NewRcpHost(zap.NewNop(), runner, stack,
		ncp.Config{InterfaceName: "wpan0", RadioUrls: []string{"spinel+hdlc+uart:///dev/ttyACM0"}}, false)

	// No bus in unit tests; the object's tables are exercised directly.
	object := NewThreadObject(zap.NewNop(), nil, godbus.ObjectPath(objectPathPrefix+"wpan0"), runner, host)

	require.NoError(t, runner.PostAndWait(func() {
		if err := host.Init(); err != nil {
			t.Errorf("host Init: %v", err)
		}
	}))
	return &objectFixture{runner: runner, stack: stack, host: host, object: object}
}

// getProperty reads a property through the framework dispatch path.
func (f *objectFixture) getProperty(t *testing.T, name string) interface{} {
	t.Helper()
	variant, dbusErr := f.object.propertyGet(BorderRouterInterface, name)
	require.Nil(t, dbusErr, "property %s", name)
	return variant.Value()
}

// TestSetThreadEnabledAndDeviceRole drives enable + attach through the
// D-Bus handlers and reads the role back as a property.
func TestSetThreadEnabledAndDeviceRole(t *testing.T) {
	f := newObjectFixture(t)

	require.Nil(t, f.object.setThreadEnabled(true))
	assert.Equal(t, "disabled", f.getProperty(t, "DeviceRole"))

	dbusErr := f.object.attach(nil, 0xffff, "TestNet", 0, nil, 0)
	require.Nil(t, dbusErr)
	assert.Equal(t, "leader", f.getProperty(t, "DeviceRole"))
	assert.Equal(t, "TestNet", f.getProperty(t, "NetworkName"))
}

// TestScanHandler verifies the scan handler shapes results for the wire.
func TestScanHandler(t *testing.T) {
	f := newObjectFixture(t)

	results, dbusErr := f.object.scan()
	require.Nil(t, dbusErr)
	require.Len(t, results, 1)
	assert.Equal(t, "SimNetwork", results[0].NetworkName)
	assert.Equal(t, uint16(0x1234), results[0].PanId)
}

// TestEnergyScanHandler verifies per-channel readings arrive.
func TestEnergyScanHandler(t *testing.T) {
	f := newObjectFixture(t)

	results, dbusErr := f.object.energyScan(100)
	require.Nil(t, dbusErr)
	assert.Equal(t, ncp.MaxChannel-ncp.MinChannel+1, len(results))
}

// TestNetdataEdits verifies prefix and route handlers round-trip through
// the stack and surface as properties.
func TestNetdataEdits(t *testing.T) {
	f := newObjectFixture(t)

	prefix := IpPrefix{Prefix: make([]byte, 16), Length: 64}
	prefix.Prefix[0] = 0xfd
	require.Nil(t, f.object.addOnMeshPrefix(OnMeshPrefix{Prefix: prefix, Slaac: true, OnMesh: true, Stable: true}))

	prefixes := f.getProperty(t, "OnMeshPrefixes").([]OnMeshPrefix)
	require.Len(t, prefixes, 1)
	assert.Equal(t, byte(64), prefixes[0].Prefix.Length)

	require.Nil(t, f.object.removeOnMeshPrefix(prefix))
	prefixes = f.getProperty(t, "OnMeshPrefixes").([]OnMeshPrefix)
	assert.Len(t, prefixes, 0)

	// Removing again reports NotFound.
	dbusErr := f.object.removeOnMeshPrefix(prefix)
	require.NotNil(t, dbusErr)
	assert.Equal(t, "io.openthread.Error.NotFound", dbusErr.Name)
}

// TestLegacyUlaPrefixNotImplemented verifies the flag-off behaviour.
func TestLegacyUlaPrefixNotImplemented(t *testing.T) {
	f := newObjectFixture(t)

	dbusErr := f.object.setLegacyUlaPrefix(make([]byte, 8))
	require.NotNil(t, dbusErr)
	assert.Equal(t, "io.openthread.Error.NotImplemented", dbusErr.Name)
}

// TestRadioRegionProperty verifies the set/get path for RadioRegion.
func TestRadioRegionProperty(t *testing.T) {
	f := newObjectFixture(t)

	dbusErr := f.object.propertySet(BorderRouterInterface, "RadioRegion", godbus.MakeVariant("US"))
	require.Nil(t, dbusErr)
	assert.Equal(t, "US", f.getProperty(t, "RadioRegion"))

	dbusErr = f.object.propertySet(BorderRouterInterface, "RadioRegion", godbus.MakeVariant("USA"))
	require.NotNil(t, dbusErr)
	assert.Equal(t, "io.openthread.Error.InvalidArgs", dbusErr.Name)
}

// TestUnknownPropertyNotFound verifies the NotFound mapping for missing
// properties.
func TestUnknownPropertyNotFound(t *testing.T) {
	f := newObjectFixture(t)

	_, dbusErr := f.object.propertyGet(BorderRouterInterface, "NoSuchProperty")
	require.NotNil(t, dbusErr)
	assert.Equal(t, "io.openthread.Error.NotFound", dbusErr.Name)
}

// TestAttachAllNodesTo verifies the migration handler returns the delay
// and stores a pending dataset.
func TestAttachAllNodesTo(t *testing.T) {
	f := newObjectFixture(t)

	require.Nil(t, f.object.setThreadEnabled(true))
	require.Nil(t, f.object.attach(nil, 0xffff, "TestNet", 0, nil, 0))

	target := &ncp.Dataset{
		ActiveTimestamp: 5 << 16, Channel: 21, NetworkName: "NextNet",
		HasActiveTimestamp: true, HasChannel: true, HasNetworkName: true,
	}
	tlvs, err := target.MarshalTlvs()
	require.NoError(t, err)

	delay, dbusErr := f.object.attachAllNodesTo(tlvs)
	require.Nil(t, dbusErr)
	assert.Equal(t, attachAllNodesDelay.Milliseconds(), delay)

	pending := f.getProperty(t, "PendingDatasetTlvs").([]byte)
	assert.NotEmpty(t, pending)
}

package ncp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// hostFixture drives host, stack and task runner on the test goroutine.
type hostFixture struct {
	t      *testing.T
	runner *task.Runner
	stack  *SimStack
	host   *RcpHost
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	runner, err := task.NewRunner()
	require.NoError(t, err)
	t.Cleanup(runner.Shutdown)

	stack := NewSimStack(runner)
	config := Config{InterfaceName: "wpan0", RadioUrls: []string{"spinel+hdlc+uart:///dev/ttyACM0"}}
	host := NewRcpHost(zap.NewNop(), runner, stack, config, false)
	return &hostFixture{t: t, runner: runner, stack: stack, host: host}
}

// pump runs ready tasks until cond holds or the timeout expires.
func (f *hostFixture) pump(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		f.runner.Process(&mainloop.Context{MaxFd: -1})
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *hostFixture) mustResult(receiver *chan error, timeout time.Duration) error {
	f.t.Helper()
	var got error
	delivered := false
	ok := f.pump(timeout, func() bool {
		select {
		case got = <-*receiver:
			delivered = true
		default:
		}
		return delivered
	})
	require.True(f.t, ok, "result not delivered within %v", timeout)
	return got
}

func resultChan() (chan error, AsyncResultReceiver) {
	ch := make(chan error, 1)
	return ch, func(err error) { ch <- err }
}

func testDatasetTlvs(t *testing.T) []byte {
	t.Helper()
	tlvs, err := fullDataset().MarshalTlvs()
	require.NoError(t, err)
	return tlvs
}

// TestSetThreadEnabledRoundTrip mirrors the enable/disable scenario:
// enabling with no dataset keeps the role disabled; attaching makes the
// device leader; disabling passes through Disabling and a concurrent
// second disable fails Busy while the original succeeds.
func TestSetThreadEnabledRoundTrip(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	var enabledStates []ThreadEnabledState
	f.host.AddThreadEnabledStateChangedCallback(func(s ThreadEnabledState) {
		enabledStates = append(enabledStates, s)
	})

	// Enable with no stored dataset: success, role stays disabled.
	ch, recv := resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, RoleDisabled, f.host.DeviceRole())
	assert.Equal(t, StateEnabled, f.host.ThreadEnabledState())

	// Join a dataset; role becomes leader.
	ch, recv = resultChan()
	f.host.Join(testDatasetTlvs(t), recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, RoleLeader, f.host.DeviceRole())

	// Second enable is a no-op success.
	ch, recv = resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, StateEnabled, f.host.ThreadEnabledState())

	// Disable: immediate transition to Disabling, then Disabled.
	ch, recv = resultChan()
	f.host.SetThreadEnabled(false, recv)
	assert.Equal(t, StateDisabling, f.host.ThreadEnabledState())

	// A concurrent disable fails Busy.
	busyCh, busyRecv := resultChan()
	f.host.SetThreadEnabled(false, busyRecv)
	assert.Equal(t, otbr.KindBusy, otbr.KindOf(f.mustResult(&busyCh, time.Second)))

	// The original disable still completes.
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, StateDisabled, f.host.ThreadEnabledState())
	assert.Equal(t, RoleDisabled, f.host.DeviceRole())

	assert.Contains(t, enabledStates, StateDisabling)
	assert.Equal(t, StateDisabled, enabledStates[len(enabledStates)-1])
}

// TestJoinStoresDataset verifies the §8 invariant: after a successful join
// on a freshly-enabled host, the active dataset matches the input identity.
func TestJoinStoresDataset(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	ch, recv := resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	want := fullDataset()
	tlvs, err := want.MarshalTlvs()
	require.NoError(t, err)

	ch, recv = resultChan()
	f.host.Join(tlvs, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	stored, ok := f.host.DatasetActiveTlvs()
	require.True(t, ok)
	got, err := ParseDatasetTlvs(stored)
	require.NoError(t, err)
	assert.Equal(t, want.Channel, got.Channel)
	assert.Equal(t, want.NetworkKey, got.NetworkKey)
	assert.Equal(t, want.ExtPanId, got.ExtPanId)
}

// TestJoinSameNetworkShortCircuits verifies re-joining the attached
// network succeeds without detaching.
func TestJoinSameNetworkShortCircuits(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	ch, recv := resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	tlvs := testDatasetTlvs(t)
	ch, recv = resultChan()
	f.host.Join(tlvs, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	require.Equal(t, RoleLeader, f.host.DeviceRole())

	// Same identity again: immediate success, still attached.
	ch, recv = resultChan()
	f.host.Join(tlvs, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, RoleLeader, f.host.DeviceRole())
}

// TestJoinAbortsPreviousJoin verifies a second join supersedes the first
// with an Abort result.
func TestJoinAbortsPreviousJoin(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	ch, recv := resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	firstCh, firstRecv := resultChan()
	f.host.Join(testDatasetTlvs(t), firstRecv)

	// Immediately supersede with a different network before attach
	// completes.
	other := fullDataset()
	other.Channel = 25
	otherTlvs, err := other.MarshalTlvs()
	require.NoError(t, err)

	secondCh, secondRecv := resultChan()
	f.host.Join(otherTlvs, secondRecv)

	assert.Equal(t, otbr.KindAbort, otbr.KindOf(f.mustResult(&firstCh, time.Second)))
	require.NoError(t, f.mustResult(&secondCh, 2*time.Second))

	stored, ok := f.host.DatasetActiveTlvs()
	require.True(t, ok)
	got, err := ParseDatasetTlvs(stored)
	require.NoError(t, err)
	assert.Equal(t, uint16(25), got.Channel)
}

// TestSetCountryCodeValidation mirrors the country-code scenario.
func TestSetCountryCodeValidation(t *testing.T) {
	f := newHostFixture(t)

	// Before Init: InvalidState regardless of input.
	ch, recv := resultChan()
	f.host.SetCountryCode("AF", recv)
	assert.Equal(t, otbr.KindInvalidState, otbr.KindOf(f.mustResult(&ch, time.Second)))

	require.NoError(t, f.host.Init())

	for _, bad := range []string{"AFA", "A", "12", ""} {
		ch, recv = resultChan()
		f.host.SetCountryCode(bad, recv)
		assert.Equal(t, otbr.KindInvalidArgs, otbr.KindOf(f.mustResult(&ch, time.Second)), "code %q", bad)
	}

	ch, recv = resultChan()
	f.host.SetCountryCode("AF", recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	assert.Equal(t, "AF", f.stack.Region())
}

// TestScheduleMigrationGating mirrors the migration scenario: InvalidState
// with the "OT is not initialized" message before Init, success when
// attached.
func TestScheduleMigrationGating(t *testing.T) {
	f := newHostFixture(t)

	pending := &Dataset{
		PendingTimestamp: 2 << 16,
		DelayTimer:       30000,
		Channel:          20,

		HasPendingTimestamp: true,
		HasDelayTimer:       true,
		HasChannel:          true,
	}
	pendingTlvs, err := pending.MarshalTlvs()
	require.NoError(t, err)

	ch, recv := resultChan()
	f.host.ScheduleMigration(pendingTlvs, recv)
	got := f.mustResult(&ch, time.Second)
	assert.Equal(t, otbr.KindInvalidState, otbr.KindOf(got))
	assert.Contains(t, got.Error(), "OT is not initialized")

	require.NoError(t, f.host.Init())
	ch, recv = resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	ch, recv = resultChan()
	f.host.Join(testDatasetTlvs(t), recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	ch, recv = resultChan()
	f.host.ScheduleMigration(pendingTlvs, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	_, hasPending := f.host.DatasetPendingTlvs()
	assert.True(t, hasPending)
}

// TestSetChannelMaxPowersValidation verifies the all-or-nothing channel
// range check.
func TestSetChannelMaxPowersValidation(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	ch, recv := resultChan()
	f.host.SetChannelMaxPowers([]ChannelMaxPower{
		{Channel: 11, MaxPowerDbm: 10},
		{Channel: 27, MaxPowerDbm: 10},
	}, recv)
	assert.Equal(t, otbr.KindInvalidArgs, otbr.KindOf(f.mustResult(&ch, time.Second)))

	ch, recv = resultChan()
	f.host.SetChannelMaxPowers([]ChannelMaxPower{
		{Channel: 11, MaxPowerDbm: 10},
		{Channel: 26, MaxPowerDbm: 8},
	}, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
}

// TestGetChannelMasks verifies the masks arrive through the receiver and
// the InvalidState gating before Init.
func TestGetChannelMasks(t *testing.T) {
	f := newHostFixture(t)

	errCh, errRecv := resultChan()
	f.host.GetChannelMasks(func(supported, preferred uint32) {
		t.Error("masks receiver fired before Init")
	}, errRecv)
	assert.Equal(t, otbr.KindInvalidState, otbr.KindOf(f.mustResult(&errCh, time.Second)))

	require.NoError(t, f.host.Init())

	var supported, preferred uint32
	delivered := false
	f.host.GetChannelMasks(func(s, p uint32) {
		supported, preferred = s, p
		delivered = true
	}, func(err error) { t.Errorf("unexpected error: %v", err) })

	require.True(t, f.pump(time.Second, func() bool { return delivered }))
	assert.Equal(t, f.stack.SupportedChannelMask(), supported)
	assert.Equal(t, f.stack.PreferredChannelMask(), preferred)
}

// TestLeaveErasesDataset verifies leave detaches and erases when asked.
func TestLeaveErasesDataset(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())

	ch, recv := resultChan()
	f.host.SetThreadEnabled(true, recv)
	require.NoError(t, f.mustResult(&ch, time.Second))
	ch, recv = resultChan()
	f.host.Join(testDatasetTlvs(t), recv)
	require.NoError(t, f.mustResult(&ch, time.Second))

	ch, recv = resultChan()
	f.host.Leave(true, recv)
	require.NoError(t, f.mustResult(&ch, 2*time.Second))

	_, ok := f.host.DatasetActiveTlvs()
	assert.False(t, ok)
	assert.Equal(t, RoleDisabled, f.host.DeviceRole())
}

// TestOperationsAfterDeinit verifies the InvalidState gating after Deinit.
func TestOperationsAfterDeinit(t *testing.T) {
	f := newHostFixture(t)
	require.NoError(t, f.host.Init())
	f.host.Deinit()

	ch, recv := resultChan()
	f.host.Join(testDatasetTlvs(t), recv)
	assert.Equal(t, otbr.KindInvalidState, otbr.KindOf(f.mustResult(&ch, time.Second)))
}

package ncp

import (
	"time"

	"go.uber.org/zap"

	"github.com/openthread/otbr-agent/internal/otbr"
	"github.com/openthread/otbr-agent/internal/task"
)

// NetworkProperties exposes read-only network state to front ends.
type NetworkProperties interface {
	DeviceRole() DeviceRole
	Ip6IsEnabled() bool
	PartitionId() uint32
	DatasetActiveTlvs() ([]byte, bool)
	DatasetPendingTlvs() ([]byte, bool)
}

// RcpHost owns the Thread stack instance and the network-control state
// machine. It guarantees detach-before-reconfigure ordering: any operation
// that changes the dataset while the device is attached first detaches
// gracefully and then continues from the detach completion callback.
//
// All methods run on the reactor goroutine.
type RcpHost struct {
	logger *zap.Logger
	tasks  *task.Runner
	stack  Stack
	config Config

	enableAutoAttach bool
	initialized      bool
	enabledState     ThreadEnabledState

	stateCallbacks   []ThreadStateChangedCallback
	enabledCallbacks []ThreadEnabledStateCallback
	resetHandlers    []func()

	helper *ThreadHelper

	// Parked receivers. At most one of each may be outstanding.
	joinReceiver      AsyncResultReceiver
	migrationReceiver AsyncResultReceiver
}

var _ NetworkProperties = (*RcpHost)(nil)

// NewRcpHost stores the configuration without touching the radio.
func NewRcpHost(logger *zap.Logger, tasks *task.Runner, stack Stack, config Config, enableAutoAttach bool) *RcpHost {
	host := &RcpHost{
		logger:           logger,
		tasks:            tasks,
		stack:            stack,
		config:           config,
		enableAutoAttach: enableAutoAttach,
		enabledState:     StateDisabled,
	}
	host.helper = newThreadHelper(host)
	return host
}

// Init initialises the Thread stack and registers the state-changed
// callback. Must be called on the reactor goroutine and balanced by Deinit.
func (h *RcpHost) Init() error {
	if h.initialized {
		return otbr.Errorf(otbr.KindInvalidState, "host already initialized")
	}
	if err := h.stack.Init(h.config); err != nil {
		return err
	}
	h.stack.SetStateChangedCallback(h.handleStateChanged)
	h.initialized = true

	if h.enableAutoAttach {
		if _, ok := h.stack.ActiveDatasetTlvs(); ok {
			h.logger.Info("auto-attaching to stored network")
			h.stack.Ip6SetEnabled(true)
			if err := h.stack.ThreadSetEnabled(true); err != nil {
				h.logger.Warn("auto-attach failed", zap.Error(err))
			} else {
				h.setEnabledState(StateEnabled)
			}
		}
		h.enableAutoAttach = false
	}
	return nil
}

// Deinit tears the stack down, aborting every parked receiver.
func (h *RcpHost) Deinit() {
	if !h.initialized {
		return
	}
	h.abortPendingReceivers("host is deinitializing")
	h.stack.Deinit()
	h.initialized = false
	h.stateCallbacks = nil
	h.enabledCallbacks = nil
	h.enabledState = StateDisabled
}

// IsInitialized reports whether Init has succeeded.
func (h *RcpHost) IsInitialized() bool { return h.initialized }

// ThreadHelper returns the helper bound to this host.
func (h *RcpHost) ThreadHelper() *ThreadHelper { return h.helper }

// Stack exposes the stack façade to collaborators that need read access.
func (h *RcpHost) Stack() Stack { return h.stack }

// InterfaceName returns the Thread network interface name.
func (h *RcpHost) InterfaceName() string { return h.config.InterfaceName }

// ThreadEnabledState returns the coarse enablement state.
func (h *RcpHost) ThreadEnabledState() ThreadEnabledState { return h.enabledState }

// DeviceRole implements NetworkProperties.
func (h *RcpHost) DeviceRole() DeviceRole {
	if !h.initialized {
		return RoleDisabled
	}
	return h.stack.DeviceRole()
}

// Ip6IsEnabled implements NetworkProperties.
func (h *RcpHost) Ip6IsEnabled() bool {
	return h.initialized && h.stack.Ip6IsEnabled()
}

// PartitionId implements NetworkProperties.
func (h *RcpHost) PartitionId() uint32 {
	if !h.initialized {
		return 0
	}
	return h.stack.PartitionId()
}

// DatasetActiveTlvs implements NetworkProperties.
func (h *RcpHost) DatasetActiveTlvs() ([]byte, bool) {
	if !h.initialized {
		return nil, false
	}
	return h.stack.ActiveDatasetTlvs()
}

// DatasetPendingTlvs implements NetworkProperties.
func (h *RcpHost) DatasetPendingTlvs() ([]byte, bool) {
	if !h.initialized {
		return nil, false
	}
	return h.stack.PendingDatasetTlvs()
}

// AddThreadStateChangedCallback registers an observer for stack state
// changes; observers fire in registration order.
func (h *RcpHost) AddThreadStateChangedCallback(cb ThreadStateChangedCallback) {
	h.stateCallbacks = append(h.stateCallbacks, cb)
}

// AddThreadEnabledStateChangedCallback registers an observer for
// enablement transitions.
func (h *RcpHost) AddThreadEnabledStateChangedCallback(cb ThreadEnabledStateCallback) {
	h.enabledCallbacks = append(h.enabledCallbacks, cb)
}

// RegisterResetHandler registers a handler replayed after an RCP reset.
func (h *RcpHost) RegisterResetHandler(handler func()) {
	h.resetHandlers = append(h.resetHandlers, handler)
}

// PostTimerTask schedules a task on the host's task runner.
func (h *RcpHost) PostTimerTask(delay time.Duration, t task.Task) {
	h.tasks.PostDelayed(delay, t)
}

// Join attaches the device to the network described by the dataset TLVs.
// A join superseding an outstanding join aborts the previous one. When the
// device is attached to a different network it detaches gracefully first
// and restarts the join from the detach completion.
func (h *RcpHost) Join(datasetTlvs []byte, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if h.enabledState == StateDisabling {
		h.deliver(receiver, otbr.Errorf(otbr.KindBusy, "Thread is disabling"))
		return
	}
	if h.enabledState != StateEnabled {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "Thread is not enabled"))
		return
	}

	requested, err := ParseDatasetTlvs(datasetTlvs)
	if err != nil {
		h.deliver(receiver, err)
		return
	}

	// Joining the network we are already attached to only refreshes the
	// stored TLVs.
	if active, ok := h.stack.ActiveDatasetTlvs(); ok && h.stack.DeviceRole().IsAttached() {
		if current, err := ParseDatasetTlvs(active); err == nil && current.SameNetwork(requested) {
			if err := h.stack.SetActiveDatasetTlvs(datasetTlvs); err != nil {
				h.deliver(receiver, err)
				return
			}
			h.logger.Info("Already Joined the target network")
			h.deliver(receiver, nil)
			return
		}
	}

	if h.joinReceiver != nil {
		h.deliver(h.joinReceiver, otbr.Errorf(otbr.KindAbort, "aborted by subsequent join"))
		h.joinReceiver = nil
	}

	if h.stack.DeviceRole() != RoleDisabled {
		h.logger.Info("detaching before join")
		err := h.stack.DetachGracefully(func() {
			h.startJoin(datasetTlvs, receiver)
		})
		if err != nil {
			h.deliver(receiver, err)
		}
		return
	}

	h.startJoin(datasetTlvs, receiver)
}

func (h *RcpHost) startJoin(datasetTlvs []byte, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindAbort, "host deinitialized during join"))
		return
	}
	if err := h.stack.SetActiveDatasetTlvs(datasetTlvs); err != nil {
		h.deliver(receiver, err)
		return
	}
	if err := h.stack.Ip6SetEnabled(true); err != nil {
		h.deliver(receiver, err)
		return
	}
	if err := h.stack.ThreadSetEnabled(true); err != nil {
		h.deliver(receiver, err)
		return
	}
	// Parked until the next role change reports an attached role.
	h.joinReceiver = receiver
}

// Leave detaches from the network. When eraseDataset is set the persistent
// settings blob is cleared after the detach completes. Parked join and
// migration receivers are aborted.
func (h *RcpHost) Leave(eraseDataset bool, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if h.enabledState == StateDisabling {
		h.deliver(receiver, otbr.Errorf(otbr.KindBusy, "Thread is disabling"))
		return
	}

	h.abortPendingReceivers("aborted by leave")

	finish := func() {
		var err error
		if eraseDataset {
			err = h.stack.ErasePersistentInfo()
		}
		h.deliver(receiver, err)
	}

	if h.stack.DeviceRole() == RoleDisabled {
		finish()
		return
	}

	if err := h.stack.DetachGracefully(finish); err != nil {
		h.deliver(receiver, err)
	}
}

// ScheduleMigration sends a Management Pending Set carrying the target
// dataset. Requires the device enabled and attached.
func (h *RcpHost) ScheduleMigration(pendingTlvs []byte, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if h.migrationReceiver != nil {
		h.deliver(receiver, otbr.Errorf(otbr.KindBusy, "another migration is in progress"))
		return
	}
	if h.enabledState != StateEnabled || !h.stack.DeviceRole().IsAttached() {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "Thread is not attached"))
		return
	}

	err := h.stack.SendMgmtPendingSet(pendingTlvs, func(err error) {
		receiver := h.migrationReceiver
		h.migrationReceiver = nil
		h.deliver(receiver, err)
	})
	if err != nil {
		h.deliver(receiver, err)
		return
	}
	h.migrationReceiver = receiver
}

// SetThreadEnabled drives the enablement state machine. Disabling detaches
// gracefully before the stack and interface go down; a second disable while
// one is in flight fails with Busy.
func (h *RcpHost) SetThreadEnabled(enabled bool, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if h.enabledState == StateDisabling {
		h.deliver(receiver, otbr.Errorf(otbr.KindBusy, "Thread is disabling"))
		return
	}

	if enabled {
		if h.enabledState == StateEnabled {
			h.deliver(receiver, nil)
			return
		}
		if _, ok := h.stack.ActiveDatasetTlvs(); ok && h.stack.DeviceRole() == RoleDisabled {
			if err := h.stack.Ip6SetEnabled(true); err != nil {
				h.deliver(receiver, err)
				return
			}
			if err := h.stack.ThreadSetEnabled(true); err != nil {
				h.deliver(receiver, err)
				return
			}
		}
		h.setEnabledState(StateEnabled)
		h.deliver(receiver, nil)
		return
	}

	if h.enabledState == StateDisabled {
		h.deliver(receiver, nil)
		return
	}

	h.abortPendingReceivers("aborted by disable")
	h.setEnabledState(StateDisabling)

	err := h.stack.DetachGracefully(func() {
		if err := h.stack.ThreadSetEnabled(false); err != nil {
			h.logger.Warn("failed to disable Thread stack", zap.Error(err))
		}
		if err := h.stack.Ip6SetEnabled(false); err != nil {
			h.logger.Warn("failed to disable IPv6", zap.Error(err))
		}
		h.setEnabledState(StateDisabled)
		h.deliver(receiver, nil)
	})
	if err != nil {
		h.setEnabledState(StateEnabled)
		h.deliver(receiver, err)
	}
}

// SetCountryCode forwards a validated ISO 3166-1 alpha-2 region code to the
// platform.
func (h *RcpHost) SetCountryCode(countryCode string, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	if !isValidRegionCode(countryCode) {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidArgs, "invalid country code %q", countryCode))
		return
	}
	h.deliver(receiver, h.stack.SetRegion(countryCode))
}

// GetChannelMasks reads the supported and preferred channel bitmasks.
func (h *RcpHost) GetChannelMasks(receiver ChannelMasksReceiver, errReceiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(errReceiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	supported := h.stack.SupportedChannelMask()
	preferred := h.stack.PreferredChannelMask()
	h.tasks.Post(func() { receiver(supported, preferred) })
}

// SetChannelMaxPowers applies per-channel transmit power limits. Any
// channel outside the 2.4 GHz band fails the whole call.
func (h *RcpHost) SetChannelMaxPowers(powers []ChannelMaxPower, receiver AsyncResultReceiver) {
	if !h.initialized {
		h.deliver(receiver, otbr.Errorf(otbr.KindInvalidState, "OT is not initialized"))
		return
	}
	for _, p := range powers {
		if p.Channel < MinChannel || p.Channel > MaxChannel {
			h.deliver(receiver, otbr.Errorf(otbr.KindInvalidArgs, "channel %d out of range [%d, %d]", p.Channel, MinChannel, MaxChannel))
			return
		}
	}
	for _, p := range powers {
		if err := h.stack.SetChannelMaxPower(p.Channel, p.MaxPowerDbm); err != nil {
			h.deliver(receiver, err)
			return
		}
	}
	h.deliver(receiver, nil)
}

// Reset re-initialises the stack after an externally triggered RCP reset,
// replays registered reset handlers, and re-enables auto-attach for one
// iteration.
func (h *RcpHost) Reset() error {
	h.abortPendingReceivers("RCP reset")
	h.stack.Deinit()
	h.initialized = false
	h.enabledState = StateDisabled
	h.enableAutoAttach = true

	if err := h.Init(); err != nil {
		return err
	}
	for _, handler := range h.resetHandlers {
		handler()
	}
	return nil
}

func (h *RcpHost) handleStateChanged(flags ChangedFlags) {
	if flags&FlagRoleChanged != 0 {
		role := h.stack.DeviceRole()
		h.logger.Info("device role changed", zap.Stringer("role", role))

		if h.joinReceiver != nil && role.IsAttached() {
			receiver := h.joinReceiver
			h.joinReceiver = nil
			h.deliver(receiver, nil)
		}
	}

	for _, cb := range h.stateCallbacks {
		cb(flags)
	}
}

func (h *RcpHost) setEnabledState(state ThreadEnabledState) {
	if h.enabledState == state {
		return
	}
	h.enabledState = state
	h.logger.Info("Thread enabled state changed", zap.Stringer("state", state))
	for _, cb := range h.enabledCallbacks {
		cb(state)
	}
}

func (h *RcpHost) abortPendingReceivers(reason string) {
	if h.joinReceiver != nil {
		h.deliver(h.joinReceiver, otbr.Errorf(otbr.KindAbort, "%s", reason))
		h.joinReceiver = nil
	}
	if h.migrationReceiver != nil {
		h.deliver(h.migrationReceiver, otbr.Errorf(otbr.KindAbort, "%s", reason))
		h.migrationReceiver = nil
	}
}

// deliver queues a receiver invocation on the task runner so results are
// never delivered re-entrantly from within the requesting call.
func (h *RcpHost) deliver(receiver AsyncResultReceiver, err error) {
	if receiver == nil {
		return
	}
	h.tasks.Post(func() { receiver(err) })
}

func isValidRegionCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

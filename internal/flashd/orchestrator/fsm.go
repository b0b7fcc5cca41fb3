package orchestrator

import (
	"github.com/looplab/fsm"

	fsmutil "github.com/usbflash-io/usbflash/internal/pkg/util/fsm"
)

// States of one flashing cycle.
const (
	StateIdle       = "idle"
	StateValidating = "validating"
	StateCertifying = "certifying"
	StateReady      = "ready"
	StateUpdating   = "updating"
	StateSuccess    = "success"
	StateError      = "error"
)

// Internal transition events. The storage/device events of the stream are
// translated into these by the consumer loop; guards on the loop side enforce
// the re-entrancy rules before an event is fired.
const (
	eventStorageAttached = "event_storage_attached"
	eventSignaturePass   = "event_signature_pass"
	eventChecksumPass    = "event_checksum_pass"
	eventDeviceAttached  = "event_device_attached"
	eventFlashSuccess    = "event_flash_success"
	eventFail            = "event_fail"
	eventReset           = "event_reset"
)

// newStateMachine wires the cycle state machine. Every enter callback funnels
// through enterState so the indicator sink sees exactly one call per
// transition.
func newStateMachine(o *Orchestrator) *fsm.FSM {
	events := fsm.Events{
		{Name: eventStorageAttached, Src: []string{StateIdle}, Dst: StateValidating},
		{Name: eventSignaturePass, Src: []string{StateValidating}, Dst: StateCertifying},
		{Name: eventChecksumPass, Src: []string{StateCertifying}, Dst: StateReady},
		{Name: eventDeviceAttached, Src: []string{StateReady}, Dst: StateUpdating},
		{Name: eventFlashSuccess, Src: []string{StateUpdating}, Dst: StateSuccess},

		// Any failure lands in Error: verification failures, flash failures,
		// and carrier faults (malformed layout, mount failure) that arrive
		// while still idle.
		{Name: eventFail, Src: []string{StateIdle, StateValidating, StateCertifying, StateReady, StateUpdating}, Dst: StateError},

		// Reset back to idle: from terminal states after settling, or from
		// any mid-cycle state on storage removal.
		{Name: eventReset, Src: []string{StateValidating, StateCertifying, StateReady, StateSuccess, StateError}, Dst: StateIdle},
	}

	callbacks := fsm.Callbacks{
		"enter_state":           fsmutil.WrapEvent(o.enterState),
		"enter_" + StateIdle:    fsmutil.WrapEvent(o.enterIdle),
		"enter_" + StateError:   fsmutil.WrapEvent(o.enterError),
		"enter_" + StateSuccess: fsmutil.WrapEvent(o.enterSuccess),
	}

	return fsm.NewFSM(StateIdle, events, callbacks)
}

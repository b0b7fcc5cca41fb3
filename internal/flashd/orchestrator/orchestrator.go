// Package orchestrator owns the cycle state machine. Two watcher goroutines
// feed one serialized event stream; the single consumer loop here performs
// every state transition, so cycle state is mutated from exactly one logical
// thread of control.
package orchestrator

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/looplab/fsm"

	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/internal/flashd/flash"
	"github.com/usbflash-io/usbflash/internal/flashd/indicator"
	"github.com/usbflash-io/usbflash/internal/flashd/storage"
	"github.com/usbflash-io/usbflash/internal/flashd/verify"
	"github.com/usbflash-io/usbflash/pkg/log"
)

// Config collects the orchestrator's collaborators.
type Config struct {
	Events      <-chan event.Event
	PublicKey   *rsa.PublicKey
	Executor    *flash.Executor
	Sink        indicator.Sink
	SettleDelay time.Duration
}

// Orchestrator drains the event stream and drives one flashing cycle at a
// time through the state machine.
type Orchestrator struct {
	sm          *fsm.FSM
	events      <-chan event.Event
	publicKey   *rsa.PublicKey
	executor    *flash.Executor
	sink        indicator.Sink
	settleDelay time.Duration
	logger      log.Logger

	cycle cycle

	// Physical presence, tracked across all states so terminal settling can
	// tell when both devices are gone.
	storagePresent bool
	devicePresent  bool
	lastPort       string

	settleTimer *time.Timer
}

// New creates an Orchestrator in the Idle state.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		events:      cfg.Events,
		publicKey:   cfg.PublicKey,
		executor:    cfg.Executor,
		sink:        cfg.Sink,
		settleDelay: cfg.SettleDelay,
		logger:      log.WithName("orchestrator"),
	}
	o.sm = newStateMachine(o)
	if o.executor != nil {
		o.executor.OnAttempt(func(attempt int) { o.cycle.attempts = attempt })
	}
	return o
}

// State returns the current state name. Safe for concurrent use.
func (o *Orchestrator) State() string {
	return o.sm.Current()
}

// Run consumes events until ctx is cancelled. A flashing operation
// intentionally blocks consumption for its duration; a new cycle cannot begin
// while flashing is in flight.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.sink.Set(indicator.SteadyPrimary)

	for {
		var settle <-chan time.Time
		if o.settleTimer != nil {
			settle = o.settleTimer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-o.events:
			if !ok {
				return nil
			}
			o.handle(ctx, ev)
		case <-settle:
			o.settleTimer = nil
			o.handle(ctx, event.Event{Kind: event.SettleTick})
		}
	}
}

// handle processes one event. It runs on the consumer loop only.
func (o *Orchestrator) handle(ctx context.Context, ev event.Event) {
	o.logger.Debug("event", "kind", string(ev.Kind), "state", o.State())

	switch ev.Kind {
	case event.StorageAttached:
		o.storagePresent = true
		o.onStorageAttached(ctx, ev.Artifacts)

	case event.StorageMalformed:
		o.storagePresent = true
		o.fail(ctx, fmt.Errorf("%w: missing %v", storage.ErrMalformedLayout, ev.Missing))

	case event.StorageMountFailure:
		o.storagePresent = true
		o.fail(ctx, ev.Err)

	case event.StorageDetached:
		o.storagePresent = false
		o.onStorageDetached(ctx)

	case event.DeviceAttached:
		o.devicePresent = true
		o.lastPort = ev.Port
		o.onDeviceAttached(ctx, ev.Port)

	case event.DeviceDetached:
		o.devicePresent = false
		// Detach during Updating is handled at attempt boundaries by the
		// executor's device-lost check, not by a transition here.
		o.maybeSettle()

	case event.SettleTick:
		o.onSettleTick(ctx)
	}
}

func (o *Orchestrator) onStorageAttached(ctx context.Context, a *event.Artifacts) {
	if !o.sm.Is(StateIdle) {
		o.logger.Debug("ignoring storage attach outside idle", "state", o.State())
		return
	}
	if !o.transition(ctx, eventStorageAttached) {
		return
	}

	// Validating: signature over the exact raw manifest bytes.
	rawManifest, err := os.ReadFile(a.ManifestPath)
	if err != nil {
		o.fail(ctx, fmt.Errorf("reading manifest: %w", err))
		return
	}
	cert, err := os.ReadFile(a.CertPath)
	if err != nil {
		o.fail(ctx, fmt.Errorf("reading certificate: %w", err))
		return
	}
	manifest, err := verify.ParseManifest(rawManifest)
	if err != nil {
		o.fail(ctx, err)
		return
	}

	o.cycle.manifest = manifest
	o.cycle.artifacts = a
	o.logger.Info("manifest loaded",
		"device", manifest.DeviceName,
		"target", manifest.TargetDevice,
		"version", manifest.FirmwareVersion)

	if err := verify.VerifySignature(rawManifest, cert, o.publicKey); err != nil {
		o.fail(ctx, err)
		return
	}
	if !o.transition(ctx, eventSignaturePass) {
		return
	}

	// Certifying: checksum over the firmware stream.
	declared, err := os.ReadFile(a.DigestPath)
	if err != nil {
		o.fail(ctx, fmt.Errorf("reading digest: %w", err))
		return
	}
	fw, err := os.Open(a.FirmwarePath)
	if err != nil {
		o.fail(ctx, fmt.Errorf("opening firmware: %w", err))
		return
	}
	err = verify.VerifyChecksum(fw, string(declared))
	fw.Close()
	if err != nil {
		o.fail(ctx, err)
		return
	}
	if !o.transition(ctx, eventChecksumPass) {
		return
	}

	// Ready. The device may already be attached; re-use the last resolved
	// port rather than waiting for a fresh attach event.
	if o.devicePresent && o.lastPort != "" {
		o.onDeviceAttached(ctx, o.lastPort)
	}
}

func (o *Orchestrator) onDeviceAttached(ctx context.Context, port string) {
	if !o.sm.Is(StateReady) {
		o.logger.Debug("ignoring device attach outside ready", "state", o.State())
		return
	}
	if !o.transition(ctx, eventDeviceAttached) {
		return
	}

	o.cycle.port = port
	o.logger.Info("flashing", "port", port, "firmware", o.cycle.artifacts.FirmwarePath,
		"version", o.cycle.manifest.FirmwareVersion)

	if err := o.executor.Flash(ctx, port, o.cycle.artifacts.FirmwarePath); err != nil {
		o.fail(ctx, err)
		return
	}
	o.transition(ctx, eventFlashSuccess)
}

func (o *Orchestrator) onStorageDetached(ctx context.Context) {
	switch o.sm.Current() {
	case StateValidating, StateCertifying, StateReady:
		// Cycle invalidated mid-flight.
		o.logger.Info("storage removed mid-cycle, resetting")
		o.transition(ctx, eventReset)
	case StateSuccess, StateError:
		// Explicit storage removal ends the terminal hold immediately.
		o.transition(ctx, eventReset)
	}
}

func (o *Orchestrator) onSettleTick(ctx context.Context) {
	if !o.terminal() {
		return
	}
	if o.storagePresent || o.devicePresent {
		o.logger.Debug("settle expired but devices still present")
		return
	}
	o.transition(ctx, eventReset)
}

// maybeSettle arms the settle timer when a terminal state is held and both
// devices report absent.
func (o *Orchestrator) maybeSettle() {
	if !o.terminal() || o.storagePresent || o.devicePresent {
		return
	}
	if o.settleTimer == nil {
		o.settleTimer = time.NewTimer(o.settleDelay)
	}
}

func (o *Orchestrator) terminal() bool {
	s := o.sm.Current()
	return s == StateSuccess || s == StateError
}

// fail records the diagnostic and moves the cycle to Error.
func (o *Orchestrator) fail(ctx context.Context, err error) {
	o.cycle.lastErr = err
	if !o.transition(ctx, eventFail, err) {
		// Already terminal or idle fault raced a reset; keep the diagnostic.
		o.logger.Debug("failure outside failable state", "error", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, name string, args ...any) bool {
	if err := o.sm.Event(ctx, name, args...); err != nil {
		o.logger.Debug("transition rejected", "event", name, "state", o.State(), "error", err)
		return false
	}
	return true
}

// enterState runs on every transition: it notifies the indicator sink exactly
// once and records the transition.
func (o *Orchestrator) enterState(_ context.Context, e *fsm.Event) error {
	o.sink.Set(signalFor(e.Dst))
	o.logger.Info("state", "from", e.Src, "to", e.Dst)
	return nil
}

func (o *Orchestrator) enterIdle(context.Context, *fsm.Event) error {
	o.cycle.reset()
	if o.settleTimer != nil {
		o.settleTimer.Stop()
		o.settleTimer = nil
	}
	return nil
}

func (o *Orchestrator) enterError(context.Context, *fsm.Event) error {
	o.logger.Error(o.cycle.lastErr, "cycle failed", "attempts", o.cycle.attempts)
	o.maybeSettle()
	return nil
}

func (o *Orchestrator) enterSuccess(context.Context, *fsm.Event) error {
	o.logger.Info("firmware flashed",
		"version", o.cycle.manifest.FirmwareVersion,
		"attempts", o.cycle.attempts)
	o.maybeSettle()
	return nil
}

// signalFor maps a state onto the tri-state indicator code.
func signalFor(state string) indicator.Signal {
	switch state {
	case StateValidating, StateCertifying, StateUpdating:
		return indicator.BlinkPrimary
	case StateError:
		return indicator.SteadySecondary
	default:
		// Idle, Ready, Success: steady primary.
		return indicator.SteadyPrimary
	}
}

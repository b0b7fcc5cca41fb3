package orchestrator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/internal/flashd/flash"
	"github.com/usbflash-io/usbflash/internal/flashd/indicator"
	"github.com/usbflash-io/usbflash/internal/flashd/verify"
	"github.com/usbflash-io/usbflash/pkg/options"
)

// recordingSink captures every indicator transition.
type recordingSink struct {
	signals []indicator.Signal
}

func (r *recordingSink) Set(s indicator.Signal) { r.signals = append(r.signals, s) }

func (r *recordingSink) last() indicator.Signal {
	if len(r.signals) == 0 {
		return indicator.Off
	}
	return r.signals[len(r.signals)-1]
}

// scriptedEngine fails every attempt before succeedOn; succeedOn=0 always
// fails.
type scriptedEngine struct {
	calls     int
	succeedOn int
	after     func(attempt int)
}

func (s *scriptedEngine) Flash(ctx context.Context, port, firmwarePath string) error {
	s.calls++
	defer func() {
		if s.after != nil {
			s.after(s.calls)
		}
	}()
	if s.succeedOn > 0 && s.calls >= s.succeedOn {
		return nil
	}
	return fmt.Errorf("scripted failure %d", s.calls)
}

func (s *scriptedEngine) Available() bool { return true }

// bundle writes a complete signed carrier layout into a temp dir and returns
// the artifacts plus the verifying key. mutate can corrupt it before use.
type bundle struct {
	artifacts *event.Artifacts
	manifest  []byte
	key       *rsa.PrivateKey
	dir       string
	t         *testing.T
}

func newBundle(t *testing.T) *bundle {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	dir := t.TempDir()
	manifest := []byte(`{"device_id":"dev-7","device_name":"pump-ctl","firmware_version":"2.4.1","target_device":"atmega328p","created_at":"2026-02-01T08:30:00Z"}`)
	firmware := []byte("\x0c\x94firmware-image-bytes")

	b := &bundle{
		manifest: manifest,
		key:      key,
		dir:      dir,
		t:        t,
	}

	b.write("device_info.json", manifest)
	b.write("certificate.pem", b.sign(manifest))
	b.write("firmware/firmware.bin", firmware)
	digest := sha256.Sum256(firmware)
	b.write("firmware/firmware.sha256", []byte(hex.EncodeToString(digest[:])+"  firmware.bin\n"))

	b.artifacts = &event.Artifacts{
		DeviceNode:   "/dev/sda1",
		MountPoint:   dir,
		ManifestPath: filepath.Join(dir, "device_info.json"),
		CertPath:     filepath.Join(dir, "certificate.pem"),
		FirmwarePath: filepath.Join(dir, "firmware/firmware.bin"),
		DigestPath:   filepath.Join(dir, "firmware/firmware.sha256"),
	}
	return b
}

func (b *bundle) write(rel string, data []byte) {
	b.t.Helper()
	path := filepath.Join(b.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		b.t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.t.Fatal(err)
	}
}

func (b *bundle) sign(payload []byte) []byte {
	b.t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, b.key, crypto.SHA256, digest[:])
	if err != nil {
		b.t.Fatal(err)
	}
	return sig
}

func newTestOrchestrator(t *testing.T, b *bundle, engine flash.Engine, present func() bool) (*Orchestrator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts := &options.FlashOptions{
		AttemptBudget:  3,
		AttemptTimeout: time.Second,
		RetryDelay:     time.Millisecond,
	}
	o := New(Config{
		Events:      nil, // tests drive handle directly
		PublicKey:   &b.key.PublicKey,
		Executor:    flash.NewExecutor(opts, engine, present),
		Sink:        sink,
		SettleDelay: time.Millisecond,
	})
	return o, sink
}

func TestScenarioHappyPath(t *testing.T) {
	b := newBundle(t)
	engine := &scriptedEngine{succeedOn: 1}
	o, sink := newTestOrchestrator(t, b, engine, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateReady {
		t.Fatalf("state after verification = %s, want %s", got, StateReady)
	}

	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})
	if got := o.State(); got != StateSuccess {
		t.Fatalf("state after flashing = %s, want %s", got, StateSuccess)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d, want 1", engine.calls)
	}
	if sink.last() != indicator.SteadyPrimary {
		t.Fatalf("indicator = %v, want steady primary", sink.last())
	}

	// Carrier removal ends the terminal hold and fully resets the cycle.
	o.handle(ctx, event.Event{Kind: event.DeviceDetached})
	o.handle(ctx, event.Event{Kind: event.StorageDetached})
	if got := o.State(); got != StateIdle {
		t.Fatalf("state after removal = %s, want %s", got, StateIdle)
	}
	if o.cycle.manifest != nil || o.cycle.artifacts != nil || o.cycle.port != "" || o.cycle.attempts != 0 {
		t.Fatalf("cycle not fully reset: %+v", o.cycle)
	}
}

func TestScenarioChecksumMismatch(t *testing.T) {
	b := newBundle(t)
	b.write("firmware/firmware.sha256", []byte(hex.EncodeToString(make([]byte, 32))))
	o, sink := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if !errors.Is(o.cycle.lastErr, verify.ErrChecksum) {
		t.Fatalf("lastErr = %v, want ErrChecksum", o.cycle.lastErr)
	}
	if sink.last() != indicator.SteadySecondary {
		t.Fatalf("indicator = %v, want steady secondary", sink.last())
	}

	o.handle(ctx, event.Event{Kind: event.StorageDetached})
	if got := o.State(); got != StateIdle {
		t.Fatalf("state after removal = %s, want %s", got, StateIdle)
	}
}

func TestScenarioForeignSignature(t *testing.T) {
	b := newBundle(t)
	// Certificate signed over a different manifest than the one present.
	other := []byte(`{"device_id":"dev-8","device_name":"other","firmware_version":"9.9.9","target_device":"esp32","created_at":"2026-02-01T08:30:00Z"}`)
	b.write("certificate.pem", b.sign(other))

	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	o.handle(context.Background(), event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})

	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if !errors.Is(o.cycle.lastErr, verify.ErrSignature) {
		t.Fatalf("lastErr = %v, want ErrSignature", o.cycle.lastErr)
	}
}

func TestIdleIgnoresEverythingButStorageAttach(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	for _, ev := range []event.Event{
		{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"},
		{Kind: event.DeviceDetached},
		{Kind: event.StorageDetached},
		{Kind: event.SettleTick},
	} {
		o.handle(ctx, ev)
		if got := o.State(); got != StateIdle {
			t.Fatalf("state after %s = %s, want %s", ev.Kind, got, StateIdle)
		}
	}
}

func TestStorageDetachMidCycleResets(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}

	o.handle(ctx, event.Event{Kind: event.StorageDetached})
	if got := o.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	if o.cycle.manifest != nil || o.cycle.artifacts != nil {
		t.Fatalf("cycle refs not cleared: %+v", o.cycle)
	}
}

func TestStorageAttachIgnoredOutsideIdle(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	manifest := o.cycle.manifest

	// A second attach must not restart the cycle.
	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	if o.cycle.manifest != manifest {
		t.Fatal("cycle manifest replaced by overlapping attach")
	}
}

func TestDeviceFirstOrdering(t *testing.T) {
	// The target may be plugged in before the carrier; the cycle proceeds to
	// flashing using the last resolved port once verification completes.
	b := newBundle(t)
	engine := &scriptedEngine{succeedOn: 1}
	o, _ := newTestOrchestrator(t, b, engine, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyACM0"})
	if got := o.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	if got := o.State(); got != StateSuccess {
		t.Fatalf("state = %s, want %s", got, StateSuccess)
	}
	if o.cycle.port != "/dev/ttyACM0" {
		t.Fatalf("port = %q, want /dev/ttyACM0", o.cycle.port)
	}
}

func TestMalformedLayoutIsImmediateError(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)

	o.handle(context.Background(), event.Event{
		Kind:    event.StorageMalformed,
		Missing: []string{"certificate.pem"},
	})
	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
}

func TestMountFailureIsError(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)

	o.handle(context.Background(), event.Event{
		Kind: event.StorageMountFailure,
		Err:  errors.New("mount timed out"),
	})
	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
}

func TestDeviceLostDuringUpdate(t *testing.T) {
	b := newBundle(t)
	present := true
	engine := &scriptedEngine{after: func(attempt int) {
		if attempt == 1 {
			present = false
		}
	}}
	o, _ := newTestOrchestrator(t, b, engine, func() bool { return present })
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})

	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if !errors.Is(o.cycle.lastErr, flash.ErrDeviceLost) {
		t.Fatalf("lastErr = %v, want ErrDeviceLost", o.cycle.lastErr)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d, want 1", engine.calls)
	}
}

func TestFlashBudgetExhaustedIsError(t *testing.T) {
	b := newBundle(t)
	engine := &scriptedEngine{} // always fails
	o, _ := newTestOrchestrator(t, b, engine, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})

	if got := o.State(); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if !errors.Is(o.cycle.lastErr, flash.ErrBudgetExhausted) {
		t.Fatalf("lastErr = %v, want ErrBudgetExhausted", o.cycle.lastErr)
	}
	if engine.calls != 3 {
		t.Fatalf("engine calls = %d, want 3", engine.calls)
	}
	if o.cycle.attempts != 3 {
		t.Fatalf("recorded attempts = %d, want 3", o.cycle.attempts)
	}
}

func TestSettleResetsWhenBothAbsent(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})
	if got := o.State(); got != StateSuccess {
		t.Fatalf("state = %s, want %s", got, StateSuccess)
	}

	// Both devices gone, but only the device detach was observed as an
	// event; the settle tick performs the reset.
	o.storagePresent = false
	o.handle(ctx, event.Event{Kind: event.DeviceDetached})
	if o.settleTimer == nil {
		t.Fatal("settle timer not armed")
	}
	o.handle(ctx, event.Event{Kind: event.SettleTick})
	if got := o.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestSettleTickIgnoredWhileDevicesPresent(t *testing.T) {
	b := newBundle(t)
	o, _ := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})

	o.handle(ctx, event.Event{Kind: event.SettleTick})
	if got := o.State(); got != StateSuccess {
		t.Fatalf("state = %s, want %s (devices still present)", got, StateSuccess)
	}
}

func TestIndicatorSequenceOnHappyPath(t *testing.T) {
	b := newBundle(t)
	o, sink := newTestOrchestrator(t, b, &scriptedEngine{succeedOn: 1}, nil)
	ctx := context.Background()

	o.handle(ctx, event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts})
	o.handle(ctx, event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"})

	want := []indicator.Signal{
		indicator.BlinkPrimary,   // validating
		indicator.BlinkPrimary,   // certifying
		indicator.SteadyPrimary,  // ready
		indicator.BlinkPrimary,   // updating
		indicator.SteadyPrimary,  // success
	}
	if len(sink.signals) != len(want) {
		t.Fatalf("signals = %v, want %v", sink.signals, want)
	}
	for i := range want {
		if sink.signals[i] != want[i] {
			t.Fatalf("signal[%d] = %v, want %v", i, sink.signals[i], want[i])
		}
	}
}

func TestRunConsumesStream(t *testing.T) {
	b := newBundle(t)
	engine := &scriptedEngine{succeedOn: 1}

	events := make(chan event.Event, 8)
	sink := &recordingSink{}
	opts := &options.FlashOptions{AttemptBudget: 3, AttemptTimeout: time.Second, RetryDelay: time.Millisecond}
	o := New(Config{
		Events:      events,
		PublicKey:   &b.key.PublicKey,
		Executor:    flash.NewExecutor(opts, engine, nil),
		Sink:        sink,
		SettleDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	events <- event.Event{Kind: event.StorageAttached, Artifacts: b.artifacts}
	events <- event.Event{Kind: event.DeviceAttached, Port: "/dev/ttyUSB0"}

	waitForState(t, o, StateSuccess)

	events <- event.Event{Kind: event.DeviceDetached}
	events <- event.Event{Kind: event.StorageDetached}
	waitForState(t, o, StateIdle)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func waitForState(t *testing.T, o *Orchestrator, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current %s", want, o.State())
}

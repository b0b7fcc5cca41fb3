package flashd

import (
	"fmt"

	"github.com/usbflash-io/usbflash/internal/flashd/device"
	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/internal/flashd/flash"
	"github.com/usbflash-io/usbflash/internal/flashd/indicator"
	"github.com/usbflash-io/usbflash/internal/flashd/orchestrator"
	"github.com/usbflash-io/usbflash/internal/flashd/storage"
	"github.com/usbflash-io/usbflash/internal/flashd/verify"
	"github.com/usbflash-io/usbflash/pkg/log"
	"github.com/usbflash-io/usbflash/pkg/options"
)

// eventQueueSize bounds the serialized stream; detach events arriving while a
// flash is in flight queue here until the consumer loop resumes.
const eventQueueSize = 32

// Config holds the validated option groups the daemon is built from.
type Config struct {
	Device    *options.DeviceOptions
	Storage   *options.StorageOptions
	Flash     *options.FlashOptions
	Indicator *options.IndicatorOptions
}

// NewDaemon assembles the monitors, verifier key, executor, indicator and
// orchestrator around one shared event stream.
func (cfg *Config) NewDaemon() (*Daemon, error) {
	publicKey, err := verify.LoadPublicKey(cfg.Storage.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}

	events := make(chan event.Event, eventQueueSize)

	storageMonitor := storage.NewMonitor(cfg.Storage, &storage.ExecMounter{}, events)
	deviceMonitor := device.NewMonitor(cfg.Device, events)

	engine := &flash.ExecEngine{Command: cfg.Flash.Command, BaudRate: cfg.Flash.BaudRate}
	if !engine.Available() {
		log.Warn("flash tool not available, flashing will fail", "command", cfg.Flash.Command)
	}
	executor := flash.NewExecutor(cfg.Flash, engine, deviceMonitor.Present)

	var sink indicator.Sink
	switch cfg.Indicator.Driver {
	case "led":
		sink = indicator.NewLED(cfg.Indicator.PrimaryLED, cfg.Indicator.SecondaryLED, cfg.Indicator.BlinkInterval)
	default:
		sink = indicator.Nop{}
	}

	orch := orchestrator.New(orchestrator.Config{
		Events:      events,
		PublicKey:   publicKey,
		Executor:    executor,
		Sink:        sink,
		SettleDelay: cfg.Indicator.SettleDelay,
	})

	return &Daemon{
		vendorID:  cfg.Device.VendorID,
		productID: cfg.Device.ProductID,
		storage:   storageMonitor,
		device:    deviceMonitor,
		orch:      orch,
		sink:      sink,
	}, nil
}

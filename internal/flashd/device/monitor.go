// Package device watches for attach and detach of the target microcontroller,
// identified by a configured USB vendor/product pair, and resolves its serial
// port. Like the storage watcher it only produces events.
package device

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/pkg/log"
	"github.com/usbflash-io/usbflash/pkg/options"
)

// Monitor emits DeviceAttached/DeviceDetached for nodes matching the target
// identity. It also maintains a presence flag that the flash executor
// consults at attempt boundaries, since the orchestrator loop is blocked
// while flashing.
type Monitor struct {
	devDir    string
	vendorID  string
	productID string
	debounce  time.Duration
	events    chan<- event.Event
	logger    log.Logger

	sysTTYDir string // overridable in tests

	port    string // tracked port, "" when absent
	present atomic.Bool
}

// NewMonitor creates a device monitor emitting into events.
func NewMonitor(opts *options.DeviceOptions, events chan<- event.Event) *Monitor {
	return &Monitor{
		devDir:    opts.DevDir,
		vendorID:  strings.ToLower(opts.VendorID),
		productID: strings.ToLower(opts.ProductID),
		debounce:  opts.Debounce,
		events:    events,
		logger:    log.WithName("device"),
		sysTTYDir: "/sys/class/tty",
	}
}

// Present reports whether the target device is currently attached. Safe to
// call from any goroutine.
func (m *Monitor) Present() bool {
	return m.present.Load()
}

// Run blocks watching for target attach/detach until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.devDir); err != nil {
		return err
	}

	m.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !serialName.MatchString(name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				m.attach(ctx, name)
			case ev.Op.Has(fsnotify.Remove):
				m.detach(ctx, ev.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", werr)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	devices, err := scanSerialDevices(m.devDir, m.sysTTYDir)
	if err != nil {
		m.logger.Warn("initial scan failed", "dir", m.devDir, "error", err)
		return
	}
	for _, d := range devices {
		if d.VendorID == m.vendorID && d.ProductID == m.productID {
			m.track(ctx, d.Port)
			return
		}
	}
}

func (m *Monitor) attach(ctx context.Context, name string) {
	// Let the kernel settle the sysfs entries, and absorb hardware bounce.
	select {
	case <-time.After(m.debounce):
	case <-ctx.Done():
		return
	}

	vid, pid, err := resolveIdentity(m.sysTTYDir, name)
	if err != nil {
		m.logger.Debug("cannot resolve identity", "node", name, "error", err)
		return
	}
	if vid != m.vendorID || pid != m.productID {
		m.logger.Debug("ignoring foreign device", "node", name, "vid", vid, "pid", pid)
		return
	}

	m.track(ctx, filepath.Join(m.devDir, name))
}

func (m *Monitor) track(ctx context.Context, port string) {
	m.port = port
	m.present.Store(true)
	m.logger.Info("target device attached", "port", port,
		"vid", m.vendorID, "pid", m.productID)
	m.send(ctx, event.Event{Kind: event.DeviceAttached, Port: port})
}

func (m *Monitor) detach(ctx context.Context, node string) {
	if m.port == "" || m.port != node {
		return
	}
	m.port = ""
	m.present.Store(false)
	m.logger.Info("target device detached", "port", node)
	m.send(ctx, event.Event{Kind: event.DeviceDetached})
}

func (m *Monitor) send(ctx context.Context, ev event.Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

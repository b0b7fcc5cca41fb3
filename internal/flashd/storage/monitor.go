// Package storage watches for USB storage carriers, mounts them, checks the
// firmware bundle layout and surfaces artifact paths to the orchestrator. It
// only ever produces events; it never touches cycle state.
package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/pkg/log"
	"github.com/usbflash-io/usbflash/pkg/options"
)

// partitionName matches block partition nodes for USB mass storage
// (sda1, sdb12, ...).
var partitionName = regexp.MustCompile(`^sd[a-z]+[0-9]+$`)

// Monitor watches devDir for partition nodes and drives mount/unmount. It is
// single-carrier: while one node is tracked, further attaches are ignored.
type Monitor struct {
	devDir       string
	mountBase    string
	mountTimeout time.Duration
	mounter      Mounter
	events       chan<- event.Event
	logger       log.Logger

	sysBlockDir string // overridable in tests

	node       string // tracked device node, "" when none
	mountPoint string
}

// NewMonitor creates a storage monitor emitting into events.
func NewMonitor(opts *options.StorageOptions, mounter Mounter, events chan<- event.Event) *Monitor {
	return &Monitor{
		devDir:       opts.DevDir,
		mountBase:    opts.MountBase,
		mountTimeout: opts.MountTimeout,
		mounter:      mounter,
		events:       events,
		logger:       log.WithName("storage"),
		sysBlockDir:  "/sys/class/block",
	}
}

// Run blocks watching for carrier attach/detach until ctx is cancelled. Any
// carrier still mounted at shutdown is unmounted.
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
			m.release(context.Background())
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !partitionName.MatchString(name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				m.attach(ctx, ev.Name)
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

// scan picks up a carrier that was already inserted before the daemon
// started.
func (m *Monitor) scan(ctx context.Context) {
	entries, err := os.ReadDir(m.devDir)
	if err != nil {
		m.logger.Warn("initial scan failed", "dir", m.devDir, "error", err)
		return
	}
	for _, e := range entries {
		if partitionName.MatchString(e.Name()) {
			m.attach(ctx, filepath.Join(m.devDir, e.Name()))
			if m.node != "" {
				return
			}
		}
	}
}

func (m *Monitor) attach(ctx context.Context, node string) {
	if m.node != "" {
		m.logger.Debug("ignoring additional carrier", "node", node, "tracked", m.node)
		return
	}
	if !m.usbBacked(node) {
		m.logger.Debug("ignoring non-USB partition", "node", node)
		return
	}

	mountPoint := filepath.Join(m.mountBase, filepath.Base(node))
	m.logger.Info("storage carrier detected", "node", node, "mountPoint", mountPoint)

	// Track before mounting so a later physical removal is reported even if
	// the mount fails.
	m.node = node
	m.mountPoint = mountPoint

	mctx, cancel := context.WithTimeout(ctx, m.mountTimeout)
	err := m.mounter.Mount(mctx, node, mountPoint)
	cancel()
	if err != nil {
		if errors.Is(mctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrMountTimeout) {
			err = errors.Join(ErrMountTimeout, err)
		}
		m.logger.Error(err, "mount failed", "node", node)
		m.send(ctx, event.Event{Kind: event.StorageMountFailure, Err: err})
		return
	}

	artifacts, missing := probeLayout(node, mountPoint)
	if missing != nil {
		m.logger.Warn("carrier layout malformed", "missing", missing)
		m.send(ctx, event.Event{Kind: event.StorageMalformed, Missing: missing})
		return
	}

	m.logger.Info("carrier mounted and layout verified", "mountPoint", mountPoint)
	m.send(ctx, event.Event{Kind: event.StorageAttached, Artifacts: artifacts})
}

func (m *Monitor) detach(ctx context.Context, node string) {
	if m.node == "" || m.node != node {
		return
	}
	m.logger.Info("storage carrier removed", "node", node)
	m.release(ctx)
	m.send(ctx, event.Event{Kind: event.StorageDetached})
}

// release unmounts the tracked carrier, if any, and clears tracking.
// Unmount is idempotent, so releasing an already-gone carrier is safe.
func (m *Monitor) release(ctx context.Context) {
	if m.node == "" {
		return
	}
	uctx, cancel := context.WithTimeout(ctx, m.mountTimeout)
	defer cancel()
	if err := m.mounter.Unmount(uctx, m.mountPoint); err != nil {
		m.logger.Warn("unmount failed", "mountPoint", m.mountPoint, "error", err)
	}
	m.node = ""
	m.mountPoint = ""
}

// usbBacked reports whether the partition sits on the USB bus, judged from
// its sysfs device path. Unreadable sysfs entries are accepted so the daemon
// still works on minimal images.
func (m *Monitor) usbBacked(node string) bool {
	link := filepath.Join(m.sysBlockDir, filepath.Base(node))
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return true
	}
	return strings.Contains(target, "/usb")
}

func (m *Monitor) send(ctx context.Context, ev event.Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

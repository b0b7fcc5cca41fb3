// Package flashd wires the flashing daemon together: two hardware watchers
// producing into one event stream, a single orchestrator consuming it.
package flashd

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/usbflash-io/usbflash/internal/flashd/device"
	"github.com/usbflash-io/usbflash/internal/flashd/indicator"
	"github.com/usbflash-io/usbflash/internal/flashd/orchestrator"
	"github.com/usbflash-io/usbflash/internal/flashd/storage"
	"github.com/usbflash-io/usbflash/pkg/log"
)

// Daemon is the assembled flashing pipeline.
type Daemon struct {
	vendorID  string
	productID string

	storage *storage.Monitor
	device  *device.Monitor
	orch    *orchestrator.Orchestrator
	sink    indicator.Sink
}

// Run starts the watchers and the orchestrator loop and blocks until ctx is
// cancelled or a watcher fails.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info("starting flashd", "targetVID", d.vendorID, "targetPID", d.productID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.storage.Run(ctx) })
	g.Go(func() error { return d.device.Run(ctx) })
	g.Go(func() error { return d.orch.Run(ctx) })

	err := g.Wait()

	if closer, ok := d.sink.(interface{ Close() }); ok {
		closer.Close()
	}
	log.Info("flashd stopped")
	return err
}

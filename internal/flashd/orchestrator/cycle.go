package orchestrator

import (
	"github.com/usbflash-io/usbflash/internal/flashd/event"
	"github.com/usbflash-io/usbflash/internal/flashd/verify"
)

// cycle is the single mutable record of the current flashing cycle. It is
// owned exclusively by the orchestrator and mutated only from its consumer
// loop, so it needs no locking. All references are cleared together on reset;
// no later cycle ever sees a stale one.
type cycle struct {
	manifest  *verify.Manifest
	artifacts *event.Artifacts
	port      string
	attempts  int
	lastErr   error
}

func (c *cycle) reset() {
	*c = cycle{}
}

package indicator

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/usbflash-io/usbflash/pkg/log"
)

// LED drives two LEDs through the sysfs leds class. Blinking runs in its own
// goroutine so Set never blocks the orchestrator loop.
type LED struct {
	primary   string
	secondary string
	interval  time.Duration
	ledsDir   string // overridable in tests
	logger    log.Logger

	mu        sync.Mutex
	stopBlink chan struct{}
	blinkDone chan struct{}
}

var _ Sink = (*LED)(nil)

// NewLED creates an LED sink for the named entries under /sys/class/leds.
func NewLED(primary, secondary string, blinkInterval time.Duration) *LED {
	return &LED{
		primary:   primary,
		secondary: secondary,
		interval:  blinkInterval,
		ledsDir:   "/sys/class/leds",
		logger:    log.WithName("indicator"),
	}
}

func (l *LED) Set(s Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopBlinkLocked()
	l.write(l.primary, false)
	l.write(l.secondary, false)

	switch s {
	case SteadyPrimary:
		l.write(l.primary, true)
	case SteadySecondary:
		l.write(l.secondary, true)
	case BlinkPrimary:
		l.startBlinkLocked(l.primary)
	}

	l.logger.Debug("indicator set", "signal", s.String())
}

// Close stops any blinking and turns both channels off.
func (l *LED) Close() {
	l.Set(Off)
}

func (l *LED) startBlinkLocked(name string) {
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stopBlink = stop
	l.blinkDone = done

	go func() {
		defer close(done)
		on := true
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		l.write(name, true)
		for {
			select {
			case <-stop:
				l.write(name, false)
				return
			case <-ticker.C:
				on = !on
				l.write(name, on)
			}
		}
	}()
}

// stopBlinkLocked stops the blink goroutine and waits for its final write, so
// a subsequent steady write cannot be clobbered.
func (l *LED) stopBlinkLocked() {
	if l.stopBlink != nil {
		close(l.stopBlink)
		<-l.blinkDone
		l.stopBlink = nil
		l.blinkDone = nil
	}
}

func (l *LED) write(name string, on bool) {
	val := []byte("0")
	if on {
		val = []byte("1")
	}
	path := filepath.Join(l.ledsDir, name, "brightness")
	if err := os.WriteFile(path, val, 0o644); err != nil {
		l.logger.Debug("cannot write led", "led", name, "error", err)
	}
}

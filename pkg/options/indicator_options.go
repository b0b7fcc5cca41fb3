package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*IndicatorOptions)(nil)

// IndicatorOptions configures the tri-state visual indicator and the
// post-terminal settle behavior it accompanies.
type IndicatorOptions struct {
	// Driver selects the sink implementation: 'led' or 'none'.
	Driver string `json:"driver" mapstructure:"driver"`

	// PrimaryLED and SecondaryLED are names under /sys/class/leds.
	PrimaryLED   string `json:"primary-led" mapstructure:"primary-led"`
	SecondaryLED string `json:"secondary-led" mapstructure:"secondary-led"`

	// BlinkInterval is the half-period of the blinking signal.
	BlinkInterval time.Duration `json:"blink-interval" mapstructure:"blink-interval"`

	// SettleDelay is how long a terminal state (Success or Error) is held
	// before the cycle resets to idle, once both devices report absent.
	SettleDelay time.Duration `json:"settle-delay" mapstructure:"settle-delay"`
}

// NewIndicatorOptions creates IndicatorOptions with default values.
func NewIndicatorOptions() *IndicatorOptions {
	return &IndicatorOptions{
		Driver:        "led",
		PrimaryLED:    "usbflash:green",
		SecondaryLED:  "usbflash:red",
		BlinkInterval: 500 * time.Millisecond,
		SettleDelay:   5 * time.Second,
	}
}

func (o *IndicatorOptions) Validate() []error {
	errs := []error{}
	switch o.Driver {
	case "led", "none":
	default:
		errs = append(errs, fmt.Errorf("indicator.driver %q is not one of 'led', 'none'", o.Driver))
	}
	if o.BlinkInterval <= 0 {
		errs = append(errs, fmt.Errorf("indicator.blink-interval must be positive"))
	}
	if o.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("indicator.settle-delay must not be negative"))
	}
	return errs
}

func (o *IndicatorOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Driver, "indicator.driver", o.Driver, "Indicator sink implementation ('led' or 'none').")
	fs.StringVar(&o.PrimaryLED, "indicator.primary-led", o.PrimaryLED, "Primary channel LED name under /sys/class/leds.")
	fs.StringVar(&o.SecondaryLED, "indicator.secondary-led", o.SecondaryLED, "Secondary channel LED name under /sys/class/leds.")
	fs.DurationVar(&o.BlinkInterval, "indicator.blink-interval", o.BlinkInterval, "Half-period of the blinking signal.")
	fs.DurationVar(&o.SettleDelay, "indicator.settle-delay", o.SettleDelay, "Hold time on terminal states before resetting to idle.")
}

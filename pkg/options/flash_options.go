package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FlashOptions)(nil)

// FlashOptions controls the external flashing engine and the retry policy
// around it.
type FlashOptions struct {
	// Command is the flashing engine invocation template. The placeholders
	// {port}, {firmware} and {baudrate} are substituted per attempt.
	Command string `json:"command" mapstructure:"command"`

	// BaudRate is passed to the engine through the {baudrate} placeholder.
	BaudRate int `json:"baud-rate" mapstructure:"baud-rate"`

	// AttemptBudget is the total number of flash attempts per cycle.
	AttemptBudget int `json:"attempt-budget" mapstructure:"attempt-budget"`

	// AttemptTimeout bounds a single engine invocation.
	AttemptTimeout time.Duration `json:"attempt-timeout" mapstructure:"attempt-timeout"`

	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration `json:"retry-delay" mapstructure:"retry-delay"`
}

// NewFlashOptions creates FlashOptions with default values.
func NewFlashOptions() *FlashOptions {
	return &FlashOptions{
		Command:        "avrdude -p atmega328p -c arduino -P {port} -b {baudrate} -D -U flash:w:{firmware}:i",
		BaudRate:       115200,
		AttemptBudget:  3,
		AttemptTimeout: 60 * time.Second,
		RetryDelay:     3 * time.Second,
	}
}

func (o *FlashOptions) Validate() []error {
	errs := []error{}
	if strings.TrimSpace(o.Command) == "" {
		errs = append(errs, fmt.Errorf("flash.command must not be empty"))
	}
	if o.AttemptBudget < 1 {
		errs = append(errs, fmt.Errorf("flash.attempt-budget must be at least 1"))
	}
	if o.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("flash.attempt-timeout must be positive"))
	}
	if o.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("flash.retry-delay must not be negative"))
	}
	return errs
}

func (o *FlashOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Command, "flash.command", o.Command, "Flashing engine command template ({port}, {firmware}, {baudrate} placeholders).")
	fs.IntVar(&o.BaudRate, "flash.baud-rate", o.BaudRate, "Baud rate passed to the flashing engine.")
	fs.IntVar(&o.AttemptBudget, "flash.attempt-budget", o.AttemptBudget, "Total number of flash attempts per cycle.")
	fs.DurationVar(&o.AttemptTimeout, "flash.attempt-timeout", o.AttemptTimeout, "Timeout for a single flash attempt.")
	fs.DurationVar(&o.RetryDelay, "flash.retry-delay", o.RetryDelay, "Pause between failed flash attempts.")
}

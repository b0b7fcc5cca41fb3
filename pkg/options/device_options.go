package options

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DeviceOptions)(nil)

// hexID matches a 4-digit hexadecimal USB vendor or product id.
var hexID = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

// DeviceOptions identifies the target microcontroller and controls how its
// hot-plug events are observed.
type DeviceOptions struct {
	// VendorID and ProductID select the USB identity the monitor reacts to.
	// Both are 4 hex digits, compared case-insensitively. They can also be
	// overridden through the TARGET_VID / TARGET_PID environment variables,
	// read once at startup.
	VendorID  string `json:"vendor-id" mapstructure:"vendor-id"`
	ProductID string `json:"product-id" mapstructure:"product-id"`

	// DevDir is the directory watched for serial device nodes.
	DevDir string `json:"dev-dir" mapstructure:"dev-dir"`

	// Debounce is how long the monitor waits after a node appears before
	// resolving its identity, so the kernel has settled the sysfs entries.
	// Also absorbs hardware bounce on cheap hubs.
	Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
}

// NewDeviceOptions creates DeviceOptions with default values. The default
// identity is an Arduino Uno (2341:0043).
func NewDeviceOptions() *DeviceOptions {
	return &DeviceOptions{
		VendorID:  "2341",
		ProductID: "0043",
		DevDir:    "/dev",
		Debounce:  500 * time.Millisecond,
	}
}

func (o *DeviceOptions) Validate() []error {
	errs := []error{}
	if !hexID.MatchString(o.VendorID) {
		errs = append(errs, fmt.Errorf("device.vendor-id %q is not 4 hex digits", o.VendorID))
	}
	if !hexID.MatchString(o.ProductID) {
		errs = append(errs, fmt.Errorf("device.product-id %q is not 4 hex digits", o.ProductID))
	}
	if o.Debounce < 0 {
		errs = append(errs, fmt.Errorf("device.debounce must not be negative"))
	}
	return errs
}

func (o *DeviceOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.VendorID, "device.vendor-id", o.VendorID, "USB vendor id of the target device (4 hex digits).")
	fs.StringVar(&o.ProductID, "device.product-id", o.ProductID, "USB product id of the target device (4 hex digits).")
	fs.StringVar(&o.DevDir, "device.dev-dir", o.DevDir, "Directory watched for serial device nodes.")
	fs.DurationVar(&o.Debounce, "device.debounce", o.Debounce, "Settle time before resolving a freshly attached device node.")
}

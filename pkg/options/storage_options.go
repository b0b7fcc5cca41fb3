package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StorageOptions)(nil)

// StorageOptions controls detection and mounting of the USB storage carrier
// that delivers the signed firmware bundle.
type StorageOptions struct {
	// DevDir is the directory watched for block partition nodes.
	DevDir string `json:"dev-dir" mapstructure:"dev-dir"`

	// MountBase is the directory under which carriers are mounted.
	MountBase string `json:"mount-base" mapstructure:"mount-base"`

	// MountTimeout bounds a single mount or unmount invocation.
	MountTimeout time.Duration `json:"mount-timeout" mapstructure:"mount-timeout"`

	// PublicKeyPath is the PEM-encoded RSA public key used to verify the
	// manifest signature. Loaded once at process start.
	PublicKeyPath string `json:"public-key" mapstructure:"public-key"`
}

// NewStorageOptions creates StorageOptions with default values.
func NewStorageOptions() *StorageOptions {
	return &StorageOptions{
		DevDir:        "/dev",
		MountBase:     "/media/usbflash",
		MountTimeout:  10 * time.Second,
		PublicKeyPath: "/etc/usbflash/public_key.pem",
	}
}

func (o *StorageOptions) Validate() []error {
	errs := []error{}
	if o.MountBase == "" {
		errs = append(errs, fmt.Errorf("storage.mount-base must not be empty"))
	}
	if o.MountTimeout <= 0 {
		errs = append(errs, fmt.Errorf("storage.mount-timeout must be positive"))
	}
	if o.PublicKeyPath == "" {
		errs = append(errs, fmt.Errorf("storage.public-key must not be empty"))
	}
	return errs
}

func (o *StorageOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.DevDir, "storage.dev-dir", o.DevDir, "Directory watched for block partition nodes.")
	fs.StringVar(&o.MountBase, "storage.mount-base", o.MountBase, "Base directory for mounting USB carriers.")
	fs.DurationVar(&o.MountTimeout, "storage.mount-timeout", o.MountTimeout, "Timeout for a single mount or unmount invocation.")
	fs.StringVar(&o.PublicKeyPath, "storage.public-key", o.PublicKeyPath, "Path to the PEM-encoded RSA public key.")
}

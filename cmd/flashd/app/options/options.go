package options

import (
	"errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/usbflash-io/usbflash/internal/flashd"
	"github.com/usbflash-io/usbflash/pkg/log"
	"github.com/usbflash-io/usbflash/pkg/options"
)

// AppOptions aggregates every option group of the flashd daemon.
type AppOptions struct {
	Device    *options.DeviceOptions    `json:"device" mapstructure:"device"`
	Storage   *options.StorageOptions   `json:"storage" mapstructure:"storage"`
	Flash     *options.FlashOptions     `json:"flash" mapstructure:"flash"`
	Indicator *options.IndicatorOptions `json:"indicator" mapstructure:"indicator"`
	Log       *log.Options              `json:"log" mapstructure:"log"`
}

// NewAppOptions creates AppOptions with defaults.
func NewAppOptions() *AppOptions {
	return &AppOptions{
		Device:    options.NewDeviceOptions(),
		Storage:   options.NewStorageOptions(),
		Flash:     options.NewFlashOptions(),
		Indicator: options.NewIndicatorOptions(),
		Log:       log.NewOptions(),
	}
}

// AddFlags binds all option groups to fs.
func (o *AppOptions) AddFlags(fs *pflag.FlagSet) {
	o.Device.AddFlags(fs)
	o.Storage.AddFlags(fs)
	o.Flash.AddFlags(fs)
	o.Indicator.AddFlags(fs)
	o.Log.AddFlags(fs)
}

// Complete layers the configuration sources: defaults, then the optional YAML
// config file, then command-line flags, then the TARGET_VID / TARGET_PID
// environment variables. Everything is resolved once, at startup.
func (o *AppOptions) Complete(cfgFile string, fs *pflag.FlagSet) error {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("flashd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/usbflash")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if err := v.BindEnv("device.vendor-id", "TARGET_VID"); err != nil {
		return err
	}
	if err := v.BindEnv("device.product-id", "TARGET_PID"); err != nil {
		return err
	}

	return v.Unmarshal(o)
}

// Validate aggregates validation across all option groups.
func (o *AppOptions) Validate() error {
	var errs []error
	for _, group := range []options.IOptions{o.Device, o.Storage, o.Flash, o.Indicator} {
		errs = append(errs, group.Validate()...)
	}
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}

// Config builds the daemon configuration.
func (o *AppOptions) Config() (*flashd.Config, error) {
	return &flashd.Config{
		Device:    o.Device,
		Storage:   o.Storage,
		Flash:     o.Flash,
		Indicator: o.Indicator,
	}, nil
}

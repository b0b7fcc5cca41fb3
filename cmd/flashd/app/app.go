package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/usbflash-io/usbflash/cmd/flashd/app/options"
	"github.com/usbflash-io/usbflash/pkg/log"
)

const (
	commandName = "flashd"
	commandDesc = `flashd waits for a signed firmware carrier and a target microcontroller to
be plugged into the host, verifies the carrier's manifest signature and
firmware checksum, and flashes the firmware onto the target. State is
reported through a tri-state visual indicator; recovery from any failure is
physical device removal and reinsertion.`
)

// NewFlashdCommand builds the root command for the flashing daemon.
func NewFlashdCommand(ctx context.Context) *cobra.Command {
	opts := options.NewAppOptions()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "USB-gated firmware flashing daemon",
		Long:         commandDesc,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(cfgFile, cmd.Flags()); err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			log.Init(opts.Log)

			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			daemon, err := cfg.NewDaemon()
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			return daemon.Run(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the YAML configuration file.")
	opts.AddFlags(cmd.Flags())

	cmd.AddCommand(newDevicesCommand(opts))

	return cmd
}

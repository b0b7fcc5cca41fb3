package app

import (
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/usbflash-io/usbflash/cmd/flashd/app/options"
	"github.com/usbflash-io/usbflash/internal/flashd/device"
)

// newDevicesCommand lists the USB serial devices currently attached to the
// host, marking the one matching the configured target identity.
func newDevicesCommand(opts *options.AppOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached USB serial devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := device.Scan(opts.Device.DevDir)
			if err != nil {
				return err
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("PORT", "VID", "PID", "TARGET")
			for _, d := range devices {
				target := ""
				if strings.EqualFold(d.VendorID, opts.Device.VendorID) &&
					strings.EqualFold(d.ProductID, opts.Device.ProductID) {
					target = "*"
				}
				table.AddRow(d.Port, d.VendorID, d.ProductID, target)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

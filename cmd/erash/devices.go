package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/jmerrifield20/erash/pkg/client"
	"github.com/spf13/cobra"
)

var (
	devicesType    string
	devicesNoParts bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the disks erashd can wipe",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		devices, err := c.ListDevicesFiltered(context.Background(), client.DeviceFilter{
			Type:         devicesType,
			NoPartitions: devicesNoParts,
		})
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), devices); ok {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tTYPE\tSIZE\tMODEL\tSERIAL\tTRANSPORT")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name, d.Type, d.Size, d.Model, d.Serial, d.Transport)
			for _, p := range d.Partitions {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t\t\n", p.Name, p.Type, p.Size, orDash(p.Mountpoint))
			}
		}
		return w.Flush()
	},
}

func init() {
	devicesCmd.Flags().StringVar(&devicesType, "type", "", "Only list devices of this type (HDD, SSD, USB, Virtual)")
	devicesCmd.Flags().BoolVar(&devicesNoParts, "no-partitions", false, "Omit partition details")
}

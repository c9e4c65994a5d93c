package cmd

import (
	"fmt"

	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/upnp"
	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List DLNA renderers on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := conf.Load(); err != nil {
			return err
		}
		discovery := upnp.NewDiscovery()
		defer discovery.Close()

		renderers, err := discovery.Scan(cmd.Context())
		if err != nil {
			return err
		}
		if len(renderers) == 0 {
			fmt.Println("No renderers found")
			return nil
		}
		for _, r := range renderers {
			fmt.Printf("%s\n  model:   %s\n  control: %s\n  udn:     %s\n",
				r.FriendlyName, r.ModelName, r.ControlURL, r.UDN)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}

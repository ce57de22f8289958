package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ewpratten/protomask/internal/engine"
)

var clatCmd = &cobra.Command{
	Use:   "clat",
	Short: "Run the customer-side translator (CLAT)",
	Long: `Run a CLAT: native IPv4 traffic from the customer prefix is carried
across an IPv6-only network by embedding both addresses in the embed
prefix. No address pool or NAT state is involved.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(engine.ModeCLAT)
	},
}

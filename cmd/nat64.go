package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ewpratten/protomask/internal/engine"
)

var nat64Cmd = &cobra.Command{
	Use:   "nat64",
	Short: "Run the provider-side NAT64 translator",
	Long: `Run a stateful NAT64: IPv6 hosts reach the IPv4 internet through
addresses embedded in the translation prefix, and each new IPv6
source leases an IPv4 identity from the configured pool.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(engine.ModeNAT64)
	},
}

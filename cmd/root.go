// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "protomask",
	Short: "Protomask - user-space NAT64 / CLAT packet translation engine",
	Long: `Protomask translates IP packets between IPv4 and IPv6 on a TUN
interface, following RFC 6052 (IPv4-embedded IPv6 addressing) and
RFC 7915 (stateless IP/ICMP translation).

Modes:
  nat64   Provider-side translation with a dynamic IPv4 address pool
  clat    Customer-side translation over a fixed embed prefix`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/protomask.yml",
		"config file path")

	rootCmd.AddCommand(nat64Cmd)
	rootCmd.AddCommand(clatCmd)
}

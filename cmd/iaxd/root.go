package main

import (
	"github.com/spf13/cobra"
)

// Set at link time with -ldflags "-X main.version=...".
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "iaxd",
	Short: "iaxd - IAX2 protocol endpoint",
	Long: `iaxd speaks IAX2 (Inter-Asterisk eXchange version 2) over UDP.

It registers with upstream registrars, accepts registrations from dynamic
peers, qualifies peers, and answers inbound calls into a static dialplan.

Examples:
  iaxd serve -c /etc/iaxd/iaxd.yaml
  iaxd validate -c iaxd.yaml
  iaxd version`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/iaxd/iaxd.yaml",
		"config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

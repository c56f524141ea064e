package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/iaxcore/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and compile a configuration file without starting the engine.

On success the normalized configuration is printed as YAML with secrets
masked, so defaults and environment overrides can be checked.

Examples:
  iaxd validate -c iaxd.yaml
  IAXD_GENERAL_BIND=0.0.0.0:4570 iaxd validate -c iaxd.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		out, err := snap.YAML()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# VALID: %d user(s), %d peer(s), %d registration(s)\n",
			len(snap.Users), len(snap.Peers), len(snap.Registrations))
		_, err = w.Write(out)
		return err
	},
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/netsim/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the stack.

Examples:
  netsim validate -c netsim.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return fmt.Errorf("a config file is required, pass -c")
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Printf("INVALID: %v\n", err)
			return err
		}
		if _, err := buildStackConfig(cfg); err != nil {
			fmt.Printf("INVALID: %v\n", err)
			return err
		}
		fmt.Printf("VALID: %s on %s (%s/%s)\n",
			cfg.Device.Hostname, cfg.Device.Interface, cfg.Device.IP, cfg.Device.Mask)
		return nil
	},
}

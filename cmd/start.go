package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netsim/internal/config"
	"firestige.xyz/netsim/internal/console"
	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack"
	"firestige.xyz/netsim/internal/stack/arp"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the simulated stack and its console",
	Long: `
Start the simulated protocol stack and attach the operator console to
stdin/stdout.

Examples:
  netsim start                   # defaults: 192.168.1.10/24 on eth0
  netsim start -c netsim.yml     # identity and tuning from netsim.yml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := log.Init(&cfg.Log); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		logger := log.GetLogger()

		stackCfg, err := buildStackConfig(cfg)
		if err != nil {
			return err
		}
		s := stack.New(stackCfg, logger)
		logger.WithField("host", cfg.Device.Hostname).Info("protocol stack up")

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start metrics server: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Stop(ctx)
			}()
		}

		return console.New(s, cfg, logger).Run(os.Stdin, os.Stdout)
	},
}

// buildStackConfig converts the file-level configuration into the typed
// stack configuration, validating addresses along the way.
func buildStackConfig(cfg *config.Config) (stack.Config, error) {
	ip, err := ipv4.ParseAddress(cfg.Device.IP)
	if err != nil {
		return stack.Config{}, fmt.Errorf("device.ip: %w", err)
	}
	mask, err := ipv4.ParseAddress(cfg.Device.Mask)
	if err != nil {
		return stack.Config{}, fmt.Errorf("device.mask: %w", err)
	}
	mac, err := ipv4.ParseMAC(cfg.Device.MAC)
	if err != nil {
		return stack.Config{}, fmt.Errorf("device.mac: %w", err)
	}
	return stack.Config{
		Hostname:  cfg.Device.Hostname,
		Interface: cfg.Device.Interface,
		IP:        ip,
		Mask:      mask,
		MAC:       mac,
		ARP: arp.TableConfig{
			ReachableTime:     cfg.Stack.ARP.ReachableTime,
			IncompleteTimeout: cfg.Stack.ARP.IncompleteTimeout,
			MaxRetries:        cfg.Stack.ARP.MaxRetries,
		},
		TCPMSL: cfg.Stack.TCP.MSL,
	}, nil
}

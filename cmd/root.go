// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netsim",
	Short: "Netsim - simulated TCP/IP protocol stack with an operator console",
	Long: `Netsim is a self-contained simulation of a TCP/IP host: IPv4 framing,
ARP resolution, the RFC 793 TCP state machine, UDP sockets, ICMP
diagnostics (ping, traceroute) and IPsec (ESP/AH with a simplified IKE).

No real packets are sent. The stack runs entirely in-process and is
driven through a router-style console, which makes it suitable for
protocol experiments and teaching labs.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when omitted)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
}

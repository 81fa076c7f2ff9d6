// Package main is the entry point for the netsim protocol stack simulator.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/netsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

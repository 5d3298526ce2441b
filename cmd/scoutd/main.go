// Package main provides the scoutd CLI: the agent-migration controller
// daemon and its first-boot setup command.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		initCmd(args)
	case "serve":
		serveCmd(args)
	case "version":
		fmt.Printf("scoutd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scoutd - agent-migration controller daemon

Usage:
  scoutd <command> [options]

Commands:
  init      Seed the outpost list and scout config from a topology file
  serve     Run the controller: loops, bus ingress, operator console
  version   Print version information
  help      Show this help message

Examples:
  scoutd init topology.yaml
  scoutd serve --addr :7890`)
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rmed/scout"
	"github.com/rmed/scout/config"
)

// initCmd seeds a fresh deployment's outpost list and scout config from a
// topology.yaml document, mirroring the teacher's vega init first-boot
// flow but without the interactive prompts -- scout's topology is a
// declarative file an operator commits, not a set of API keys.
func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing outpost list / scout config")

	fs.Usage = func() {
		fmt.Println(`Usage: scoutd init <topology.yaml> [options]

Seed the outpost list and scout config from a topology document.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no topology.yaml file specified")
		fs.Usage()
		os.Exit(1)
	}

	if err := scout.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", scout.Home(), err)
		os.Exit(1)
	}

	outpostPath := scout.OutpostListPath()
	scoutConfPath := scout.ScoutConfPath()

	if !*force {
		if _, err := os.Stat(outpostPath); err == nil {
			fmt.Fprintf(os.Stderr, "Error: %s already exists, pass --force to overwrite\n", outpostPath)
			os.Exit(1)
		}
	}

	topo, err := config.LoadTopology(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading topology: %v\n", err)
		os.Exit(1)
	}

	if err := topo.Seed(outpostPath, scoutConfPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error seeding configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %s and %s from %s\n", outpostPath, scoutConfPath, fs.Arg(0))
	fmt.Println("\nNext step:\n  scoutd serve")
}

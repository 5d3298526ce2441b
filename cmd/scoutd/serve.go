package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmed/scout"
	"github.com/rmed/scout/agentbook"
	"github.com/rmed/scout/bus"
	"github.com/rmed/scout/config"
	"github.com/rmed/scout/controller"
	"github.com/rmed/scout/hooks"
	"github.com/rmed/scout/migration"
	"github.com/rmed/scout/sampler"
	"github.com/rmed/scout/serve"
	"github.com/rmed/scout/transport"
	"github.com/rmed/scout/zonebook"
)

// serveCmd wires every collaborator package into a controller.Context and
// runs the daemon until SIGINT/SIGTERM, following the teacher's vega
// serve command: parse flags, build the long-lived objects, hand them to
// one blocking Start, wait on a signal context for graceful shutdown.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":7890", "bus ingress HTTP listen address")
	busPort := fs.Int("bus-port", 7000, "local bus port advertised to outposts in add-agent messages")
	busEndpoint := fs.String("bus-endpoint", "http://127.0.0.1:7891/bus", "platform bus ingress this daemon publishes outbound envelopes to")
	launcher := fs.String("launcher", "/opt/scout/bin/agent-launcher", "path to the platform's agent launch/stop script")
	knownHosts := fs.String("known-hosts", "", "path to a known_hosts file; empty accepts any outpost host key")
	agentImage := fs.String("agent-image", "scout-agent:latest", "Docker image used to launch agents when a daemon is reachable")

	fs.Usage = func() {
		fmt.Println(`Usage: scoutd serve [options]

Run the controller's periodic loops, bus ingress, and operator console.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if err := scout.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", scout.Home(), err)
		os.Exit(1)
	}

	zones, err := zonebook.Open(scout.ZoneBookPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening zone book: %v\n", err)
		os.Exit(1)
	}
	defer zones.Close()

	agents, err := agentbook.Open(scout.AgentBookPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening agent book: %v\n", err)
		os.Exit(1)
	}
	defer agents.Close()

	cfg, err := config.Open(scout.OutpostListPath(), scout.ScoutConfPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening config: %v\n", err)
		os.Exit(1)
	}

	xport, err := transport.New(scout.VarDir(), *launcher, *busPort, *knownHosts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing transport adapter: %v\n", err)
		os.Exit(1)
	}
	xport.Container = transport.NewContainerLauncher(*agentImage)
	tunnels := transport.NewTunnels()

	gen := cfg.General()
	var samp *sampler.Sampler
	if gen.PerfPath != "" {
		samp = sampler.New(gen.PerfPath, sampler.DefaultWindow, sampler.PIDFromFile(scout.VarDir()))
	}

	pub := bus.NewHTTPPublisher(*busEndpoint)

	node := &hooks.Node{
		Transport:       xport,
		HomeDir:         scout.Home(),
		RulesDir:        scout.RulesDir,
		HomePlaceholder: "%HOME%",
	}

	proto := &migration.Protocol{
		Zones:     zones,
		Agents:    agents,
		Transport: xport,
		Pub:       pub,
		Hooks:     node,
		BusPort:   *busPort,
		ResolveOutpost: func(name string) (transport.OutpostConn, bool) {
			entry, ok := cfg.Outpost(name)
			if !ok {
				return transport.OutpostConn{}, false
			}
			return transport.OutpostConn{
				Host:         entry.Host,
				Username:     entry.Username,
				Directory:    entry.Directory,
				RemotePort:   entry.RemotePort,
				LocalTunnel:  entry.LocalTunnel,
				RemoteTunnel: entry.RemoteTunnel,
			}, true
		},
	}

	cctx := &controller.Context{
		Zones:     zones,
		Agents:    agents,
		Config:    cfg,
		Transport: xport,
		Tunnels:   tunnels,
		Sampler:   samp,
		Migration: proto,
		Pub:       pub,
	}

	srv := serve.New(cctx, serve.Config{
		Addr:          *addr,
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("scoutd serve: bus ingress on %s, bus port %d\n", *addr, *busPort)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Give loop goroutines started inside Start a moment to unwind their
	// own select on ctx.Done() before the process exits.
	time.Sleep(50 * time.Millisecond)
}

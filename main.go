// agentmail is a local-first peer-to-peer messaging node for software
// agents. Each node owns a cryptographic identity, advertises itself on
// the LAN over mDNS, and exchanges signed (optionally sealed) messages
// directly; an optional relay provides store-and-forward for offline
// recipients and a name directory.
//
// Usage:
//
//	agentmail -name alice -port 7443
//	agentmail -name alice -relay https://relay.example.com
//	agentmail fingerprint
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentmail-net/agentmail/pkg/daemon"
	"github.com/agentmail-net/agentmail/pkg/identity"
	"github.com/agentmail-net/agentmail/pkg/otel"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flags first (--version or -v)
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("agentmail " + version)
			return
		}
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("agentmail " + version)
			return
		case "fingerprint":
			fingerprintCmd()
			return
		}
	}

	var opts daemon.NodeOpts
	var configPath string
	flag.StringVar(&opts.NodeName, "name", "", "Node name (defaults to the hostname)")
	flag.IntVar(&opts.Port, "port", 0, "HTTP listen port (default 7443)")
	flag.StringVar(&opts.DataDir, "data", "", "Data directory (default ~/.agentmail)")
	flag.StringVar(&opts.RelayURL, "relay", "", "Relay base URL (empty for LAN-only)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
	flag.StringVar(&configPath, "config", "", "Config file with key=value pairs (flags win)")
	flag.Parse()

	if configPath != "" {
		values, err := daemon.LoadConfigFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		if err := daemon.ApplyConfigFile(&opts, values); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
			os.Exit(1)
		}
	}

	config, err := daemon.NewConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	daemon.ConfigureLogging(config.LogLevel)

	ctx := context.Background()
	otelShutdown, err := otel.Init(ctx, "agentmail", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
	} else {
		defer otelShutdown(ctx)
	}

	d, err := daemon.NewDaemon(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Node failed: %v\n", err)
		os.Exit(1)
	}
}

// fingerprintCmd prints the node's identity fingerprint, creating the
// identity if it does not exist yet.
func fingerprintCmd() {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default ~/.agentmail)")
	fs.Parse(os.Args[2:])

	config, err := daemon.NewConfig(daemon.NodeOpts{DataDir: *dataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(config.IdentityPath()), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create keys dir: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrCreate(config.IdentityPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id.Fingerprint())
}

// vmctld wires together the host context, schema registry and resource
// stores this module exposes. It deliberately stops short of a CLI or
// REST surface (spec §1 Non-goals): those are external collaborators
// that import this module's packages directly.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeplane/vmctl/internal/config"
	"github.com/nodeplane/vmctl/internal/hostctx"
	"github.com/nodeplane/vmctl/internal/hostres"
	"github.com/nodeplane/vmctl/pkg/minilog"
)

var (
	configFile = flag.String("config", "", "path to vmctl.yaml (searched in the default locations if unset)")
	logLevel   = flag.String("level", "info", "log level: debug, info, warn, error, fatal")
	resDBPath  = flag.String("resource-db", "", "path to the host resource-reservation database (defaults under runtime dir)")
)

func main() {
	flag.Parse()

	level, err := minilog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctld: %v\n", err)
		os.Exit(1)
	}
	if err := minilog.Init(level, ""); err != nil {
		fmt.Fprintf(os.Stderr, "vmctld: init logging: %v\n", err)
		os.Exit(1)
	}

	var searchPaths []string
	if *configFile != "" {
		searchPaths = append(searchPaths, filepath.Dir(*configFile))
	}
	hc, err := hostctx.Load(searchPaths...)
	if err != nil {
		minilog.Fatal("load host context: %v", err)
	}

	// Registering the schema formats early surfaces any malformed
	// built-in field definition at startup instead of on first use.
	if config.Registry() == nil {
		minilog.Fatal("schema registry failed to initialize")
	}

	dbPath := *resDBPath
	if dbPath == "" {
		dbPath = hc.RuntimeDir + "/hostres.db"
	}
	store, err := hostres.Open(dbPath)
	if err != nil {
		minilog.Fatal("open resource store: %v", err)
	}
	defer store.Close()

	minilog.Info("vmctld ready on node %s (runtime dir %s)", hc.NodeName, hc.RuntimeDir)

	select {}
}

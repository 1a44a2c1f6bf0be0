// Package discover implements the `astrolabe discover` command: parse
// --seeds, wire the provider/profile/network registries, and run the
// recursive discovery engine to completion.
package discover

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/astrolabe-oss/astrolabe/config"
	discoverengine "github.com/astrolabe-oss/astrolabe/discover"
	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/internal/cliflags"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/obfuscate"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
	"github.com/astrolabe-oss/astrolabe/provider/awsprovider"
	"github.com/astrolabe-oss/astrolabe/provider/hintprovider"
	"github.com/astrolabe-oss/astrolabe/provider/k8sprovider"
	"github.com/astrolabe-oss/astrolabe/provider/sshprovider"
	"github.com/astrolabe-oss/astrolabe/provider/wwwprovider"
	"github.com/astrolabe-oss/astrolabe/subcommand"
)

// Command runs one discovery pass: parse seeds, load the
// network/profile-strategy catalogs, inventory every enabled provider,
// and recursively profile until --max-depth or the graph goes quiet.
type Command struct {
	UI cli.Ui

	flags *flag.FlagSet

	flagSeeds                        cliflags.AppendSliceValue
	flagTimeout                      time.Duration
	flagMaxDepth                     int
	flagDisableProviders             cliflags.AppendSliceValue
	flagSkipProtocols                cliflags.AppendSliceValue
	flagSkipProtocolMuxes            cliflags.AppendSliceValue
	flagSkipNonblockingGrandchildren bool
	flagObfuscate                    bool
	flagHideDefunct                  bool
	flagSeedsOnly                    bool
	flagSkipInventory                bool
	flagNetworkFiles                 cliflags.AppendSliceValue
	flagStrategyFiles                cliflags.AppendSliceValue
	flagSeedMetadata                 cliflags.FlagMapValue
	flagOutputsDir                   string
	flagLogLevel                     string
	flagLogJSON                      bool

	once   sync.Once
	sigCh  chan os.Signal
	help   string
	logger hclog.Logger

	// providers, when non-nil, replaces the default provider set; used by
	// tests to substitute stub providers without touching real clouds.
	providers []provider.Provider
}

func (c *Command) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.Var(&c.flagSeeds, "seeds",
		"A provider:address pair to seed discovery from, e.g. ssh:10.0.0.1. May be specified multiple times.")
	c.flags.DurationVar(&c.flagTimeout, "timeout", 10*time.Second, "Per-connection timeout")
	c.flags.IntVar(&c.flagMaxDepth, "max-depth", 3, "Maximum recursion depth")
	c.flags.Var(&c.flagDisableProviders, "disable-providers",
		"A provider ref to disable. May be specified multiple times.")
	c.flags.Var(&c.flagSkipProtocols, "skip-protocols",
		"A protocol ref to never recurse into. May be specified multiple times.")
	c.flags.Var(&c.flagSkipProtocolMuxes, "skip-protocol-muxes",
		"A protocol mux substring to never recurse into. May be specified multiple times.")
	c.flags.BoolVar(&c.flagSkipNonblockingGrandchildren, "skip-nonblocking-grandchildren", false,
		"If true, don't profile a node below a non-blocking protocol unless it's a direct child of a seed")
	c.flags.BoolVar(&c.flagObfuscate, "obfuscate", false,
		"If true, replace service names and protocol muxes with deterministic pseudonyms in the dumped state")
	c.flags.BoolVar(&c.flagHideDefunct, "hide-defunct", false,
		"Recorded in the dumped args; discover itself does not filter DEFUNCT-flagged nodes (export's -hide-defunct does)")
	c.flags.BoolVar(&c.flagSeedsOnly, "seeds-only", false,
		"If true, skip every provider's inventory pass and discover only from --seeds")
	c.flags.BoolVar(&c.flagSkipInventory, "skip-inventory", false,
		"If true, skip every provider's inventory pass but still discover from --seeds")
	c.flags.Var(&c.flagNetworkFiles, "network-yaml",
		"A network catalog YAML file to load. May be specified multiple times.")
	c.flags.Var(&c.flagStrategyFiles, "profile-strategy-file",
		"A profile strategy YAML file to load. May be specified multiple times.")
	c.flags.Var(&c.flagSeedMetadata, "seed-metadata",
		"A key=value pair attached to every seed node's metadata. May be specified multiple times.")
	c.flags.StringVar(&c.flagOutputsDir, "outputs-dir", config.DefaultOutputsDir,
		"Directory the last-run state is dumped to")
	c.flags.StringVar(&c.flagLogLevel, "log-level", "info",
		"Log verbosity level. Supported values (in order of detail) are \"trace\", \"debug\", \"info\", \"warn\", and \"error\".")
	c.flags.BoolVar(&c.flagLogJSON, "log-json", false, "Enable or disable JSON output format for logging.")

	if c.sigCh == nil {
		c.sigCh = make(chan os.Signal, 1)
		signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	c.help = help
}

// Run parses flags, builds collaborators, discovers, and dumps state.
func (c *Command) Run(args []string) int {
	c.once.Do(c.init)

	store := graph.NewInMemoryStore()
	providers := c.providers
	if providers == nil {
		providers = []provider.Provider{
			sshprovider.New(store),
			k8sprovider.New(store),
			awsprovider.New(store),
			wwwprovider.New(""),
			hintprovider.New(),
		}
	}

	registry := provider.NewRegistry(hclog.NewNullLogger(), nil)
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
	}
	registry.RegisterFlags(c.flags)

	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if len(c.flags.Args()) > 0 {
		c.UI.Error("discover: no non-flag arguments expected")
		return 1
	}
	if len(c.flagSeeds) == 0 {
		c.UI.Error("discover: at least one -seeds provider:address is required")
		return 1
	}

	var err error
	c.logger, err = subcommand.Logger(c.flagLogLevel, c.flagLogJSON)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	registry = provider.NewRegistry(c.logger, c.flagDisableProviders)
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
	}

	catalog := network.NewCatalog()
	catalog.SetCLISkipProtocolMuxes(c.flagSkipProtocolMuxes)
	if err := catalog.LoadFiles(c.flagNetworkFiles); err != nil {
		c.UI.Error(fmt.Sprintf("discover: loading network catalog: %s", err))
		return 1
	}

	strategies := profile.NewRegistry(catalog)
	if err := strategies.LoadFiles(c.flagStrategyFiles); err != nil {
		c.UI.Error(fmt.Sprintf("discover: loading profile strategies: %s", err))
		return 1
	}

	var obfuscator *obfuscate.Obfuscator
	if c.flagObfuscate {
		obfuscator = obfuscate.New()
	}

	cliArgs := config.Args{
		Seeds:                        c.flagSeeds,
		Timeout:                      c.flagTimeout,
		MaxDepth:                     c.flagMaxDepth,
		DisableProviders:             c.flagDisableProviders,
		SkipProtocols:                c.flagSkipProtocols,
		SkipProtocolMuxes:            c.flagSkipProtocolMuxes,
		SkipNonblockingGrandchildren: c.flagSkipNonblockingGrandchildren,
		Obfuscate:                    c.flagObfuscate,
		HideDefunct:                  c.flagHideDefunct,
		SeedsOnly:                    c.flagSeedsOnly,
		SkipInventory:                c.flagSkipInventory,
		NetworkYAMLFiles:             c.flagNetworkFiles,
		ProfileStrategyFiles:         c.flagStrategyFiles,
		OutputsDir:                   c.flagOutputsDir,
		SeedMetadata:                 c.flagSeedMetadata,
	}

	tree, err := c.seedTree()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := registry.PerformInventory(ctx, cliArgs.SeedsOnly, cliArgs.SkipInventory); err != nil {
		c.UI.Error(fmt.Sprintf("discover: inventory: %s", err))
		return 1
	}

	engine := discoverengine.NewEngine(catalog, strategies, registry, store, obfuscator, cliArgs, c.logger)

	done := make(chan error, 1)
	go func() {
		done <- engine.Discover(ctx, tree, nil)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.UI.Error(fmt.Sprintf("discover: %s", err))
			return 1
		}
	case sig := <-c.sigCh:
		c.logger.Info(fmt.Sprintf("%s received, shutting down", sig))
		cancel()
		<-done
	}

	engine.Wait()
	if err := engine.FatalError(); err != nil {
		c.UI.Error(fmt.Sprintf("discover: %s", err))
		return 1
	}

	if err := config.DumpState(cliArgs, store.All()); err != nil {
		c.UI.Error(fmt.Sprintf("discover: dumping last-run state: %s", err))
		return 1
	}

	c.UI.Info(fmt.Sprintf("discovered %d nodes, state written to %s", len(store.All()), cliArgs.LastrunFile()))
	return 0
}

// seedTree parses each -seeds value into a top-level graph.NewSeedNode.
func (c *Command) seedTree() (map[string]*graph.Node, error) {
	tree := map[string]*graph.Node{}
	for _, seed := range c.flagSeeds {
		parts := strings.SplitN(seed, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("discover: invalid -seeds value %q, want provider:address", seed)
		}
		ref, node := graph.NewSeedNode(parts[0], parts[1])
		for k, v := range c.flagSeedMetadata {
			node.Metadata[k] = v
		}
		tree[ref] = node
	}
	return tree, nil
}

func (c *Command) Synopsis() string { return synopsis }

func (c *Command) Help() string {
	c.once.Do(c.init)
	return c.help
}

const synopsis = "Recursively discover a live network topology from a set of seed hosts."
const help = `
Usage: astrolabe discover [options] -seeds provider:address [-seeds provider:address ...]

  Open a connection to every seed, look up its service name, and
  recursively profile its children until -max-depth is reached or no new
  nodes are found. The resulting graph is written to -outputs-dir.

`

// Package export implements the `astrolabe export` command: the minimal
// default sink that renders a previously dumped discovery tree as a flat,
// sorted list of "parent --[protocol:mux]--> child" lines. Richer
// exporters (graphviz, ascii-tree-drawing) are left to other tooling
// consuming the dumped JSON state directly.
package export

import (
	"flag"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/cli"

	"github.com/astrolabe-oss/astrolabe/config"
	"github.com/astrolabe-oss/astrolabe/graph"
)

// Command renders a dumped last-run tree to stdout.
type Command struct {
	UI cli.Ui

	flags *flag.FlagSet

	flagLastrunFile string
	flagHideDefunct bool

	once sync.Once
	help string
}

func (c *Command) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.flagLastrunFile, "lastrun-file", "",
		"Path to a dumped last-run state file. Defaults to .astrolabe.out/.lastrun.json")
	c.flags.BoolVar(&c.flagHideDefunct, "hide-defunct", false,
		"If true, omit DEFUNCT-flagged nodes from the rendered output")
	c.help = help
}

// Run walks every top-level node's connections and prints one line per
// edge, deduplicated and sorted.
func (c *Command) Run(args []string) int {
	c.once.Do(c.init)
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if len(c.flags.Args()) > 0 {
		c.UI.Error("export: no non-flag arguments expected")
		return 1
	}

	path := c.flagLastrunFile
	if path == "" {
		path = config.NewDefaultArgs().LastrunFile()
	}

	state, err := config.LoadState(path)
	if err != nil {
		c.UI.Error(fmt.Sprintf("export: %s", err))
		return 1
	}

	lines := map[string]bool{}
	for _, node := range state.Tree {
		buildFlatServices(node, lines, c.flagHideDefunct)
	}

	sorted := make([]string, 0, len(lines))
	for line := range lines {
		sorted = append(sorted, line)
	}
	sort.Strings(sorted)

	for _, line := range sorted {
		c.UI.Output(line)
	}
	return 0
}

// buildFlatServices recurses through every child, recording one
// "parent --[proto:mux]--> child" line per edge. Checking lines before
// recursing guards against re-walking a node reached through more than
// one parent (the flattened tree can share nodes by ref).
func buildFlatServices(node *graph.Node, lines map[string]bool, hideDefunct bool) {
	for _, child := range node.Children {
		if hideDefunct && child.Warnings[graph.WarnDefunct] {
			continue
		}
		line := fmt.Sprintf("%s (%s) --[%s:%s]--> %s (%s)",
			displayName(node), node.NodeName,
			child.Protocol.Ref, child.ProtocolMux,
			displayName(child), child.NodeName,
		)
		if !lines[line] {
			lines[line] = true
			buildFlatServices(child, lines, hideDefunct)
		}
	}
}

func displayName(n *graph.Node) string {
	if n.ServiceName != "" {
		return n.ServiceName
	}
	if n.Address != "" {
		return n.Address
	}
	return "UNKNOWN"
}

func (c *Command) Synopsis() string { return synopsis }

func (c *Command) Help() string {
	c.once.Do(c.init)
	return c.help
}

const synopsis = "Render a previously discovered topology as flat text."
const help = `
Usage: astrolabe export [options]

  Read the last-run state dumped by "astrolabe discover" and print one
  sorted, deduplicated line per edge in the graph.

`

package main

import (
	"github.com/mitchellh/cli"

	"github.com/astrolabe-oss/astrolabe/subcommand/discover"
	"github.com/astrolabe-oss/astrolabe/subcommand/export"
)

// Commands is the mapping of all available astrolabe commands.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"discover": func() (cli.Command, error) {
			return &discover.Command{UI: ui}, nil
		},

		"export": func() (cli.Command, error) {
			return &export.Command{UI: ui}, nil
		},
	}
}

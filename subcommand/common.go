// Package subcommand holds helpers for the CLI subcommands; the discover
// command is currently their only user.
package subcommand

import (
	"fmt"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger returns an hclog instance with log level set and JSON logging
// enabled/disabled, or an error if level is invalid.
func Logger(level string, jsonLogging bool) (hclog.Logger, error) {
	parsedLevel := hclog.LevelFromString(level)
	if parsedLevel == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return hclog.New(&hclog.LoggerOptions{
		JSONFormat: jsonLogging,
		Level:      parsedLevel,
		Output:     os.Stderr,
	}), nil
}

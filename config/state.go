package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/astrolabe-oss/astrolabe/graph"
)

// State is the on-disk last-run dump: {args, tree}.
type State struct {
	Args Args                    `json:"args"`
	Tree map[string]*graph.Node `json:"tree"`
}

// DumpState writes the last run's args and top-level tree to
// args.LastrunFile(), creating its parent directory if needed.
func DumpState(args Args, tree map[string]*graph.Node) error {
	state := State{Args: args, Tree: tree}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling last-run state: %w", err)
	}

	path := args.LastrunFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating outputs dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: writing last-run state: %w", err)
	}
	return nil
}

// LoadState reads back a previously dumped last-run state.
func LoadState(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("config: reading last-run state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("config: unmarshaling last-run state: %w", err)
	}
	return state, nil
}

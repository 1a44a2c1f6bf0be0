package cliflags

import (
	"fmt"
	"strings"
)

// Modeled on Consul's command/flags FlagMapValue so we don't depend on
// internal Consul implementation. No source file for this type was present
// in the retrieval pack, only its test; written here to satisfy the
// behavior that test observes.

// FlagMapValue implements the flag.Value interface and allows repeated
// "-flag key=value" invocations to build up a map. Used for the
// -seed-metadata flag, which accepts arbitrary key=value pairs.
type FlagMapValue map[string]string

func (f *FlagMapValue) String() string {
	if f == nil || *f == nil {
		return ""
	}
	var parts []string
	for k, v := range *f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f *FlagMapValue) Set(value string) error {
	idx := strings.Index(value, "=")
	if idx == -1 {
		return fmt.Errorf("missing '=' in arg: %q", value)
	}
	key, val := value[:idx], value[idx+1:]
	if *f == nil {
		*f = make(map[string]string)
	}
	(*f)[key] = val
	return nil
}

// Package version holds the build-time version identifiers: vars filled
// in by the linker at build time, plus a human-readable formatter used for
// the CLI's version output.
package version

import (
	"fmt"
	"strings"
)

var (
	// GitCommit and GitDescribe are filled in by the compiler via -ldflags.
	GitCommit   string
	GitDescribe string

	// Version is the release version run when no GitDescribe is set.
	Version = "0.1.0"

	// VersionPrerelease marks a non-final release, e.g. "dev", "beta", "rc1".
	VersionPrerelease = "dev"
)

// GetHumanVersion composes the parts of the version in a way that's
// suitable for displaying to humans.
func GetHumanVersion() string {
	v := Version
	if GitDescribe != "" {
		v = GitDescribe
	}
	v = fmt.Sprintf("v%s", v)

	release := VersionPrerelease
	if GitDescribe == "" && release == "" {
		release = "dev"
	}

	if release != "" {
		if !strings.Contains(v, "-"+release) {
			v += fmt.Sprintf("-%s", release)
		}
		if GitCommit != "" {
			v += fmt.Sprintf(" (%s)", GitCommit)
		}
	}

	return strings.Replace(v, "'", "", -1)
}

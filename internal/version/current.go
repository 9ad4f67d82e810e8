// Package version exposes the build version of the module.
package version

import "fmt"

// populated at build time with -ldflags
var (
	version = "0.1.0"
	commit  = ""
)

// Info describes the build.
type Info struct {
	Version string
	Commit  string
}

// Current returns the build information.
func Current() Info {
	return Info{Version: version, Commit: commit}
}

func (v Info) String() string {
	if v.Commit != "" {
		return fmt.Sprintf("%s (%s)", v.Version, v.Commit)
	}
	return v.Version
}

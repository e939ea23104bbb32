// Package build exposes the version metadata stamped into the amla binary.
package build

import "runtime"

// Stamped at link time, e.g.
//
//	-ldflags "-X github.com/amla-dev/amla/internal/build.Version=v0.3.0"
//
// Defaults identify an unstamped development build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is a snapshot of the binary's build metadata together with the
// toolchain and platform it was compiled for.
type Info struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
	Platform  string
}

// Get assembles the current build info.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns just the semantic version.
func (i Info) String() string {
	return i.Version
}

// Full renders the long form printed by `amla version`.
func (i Info) Full() string {
	return i.Version + " (" + i.Commit + ") built " + i.BuildDate + " " + i.GoVersion + " " + i.Platform
}

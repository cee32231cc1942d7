package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Overridden at link time with -X; builds without ldflags fall back to the
// module build info.
var (
	App       = "FleetGate"
	Version   string
	GitCommit string
	BuildTime string
)

// String returns the release version reported by the hub and in agent hellos
func String() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Commit returns the abbreviated VCS revision, or "" when unknown
func Commit() string {
	commit := GitCommit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// PrintVersion prints version details for app, defaulting to the hub name
func PrintVersion(app string) {
	if app == "" {
		app = App
	}
	fmt.Printf("%s version %s\n", app, String())
	if c := Commit(); c != "" {
		fmt.Printf("Git commit: %s\n", c)
	}
	if BuildTime != "" {
		fmt.Printf("Build time: %s\n", BuildTime)
	}
	fmt.Printf("Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

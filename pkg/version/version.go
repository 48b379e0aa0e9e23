// Package version identifies the running binary in logs and on the health
// endpoint.
package version

import "runtime/debug"

// AppName names the service in version strings.
const AppName = "quarry"

const shortHashLen = 8

// commitOverride is injected with -ldflags for builds where the VCS
// metadata is unavailable, such as release containers built from a tarball.
var commitOverride string

// GitCommit is the short commit hash the binary was built from. Resolution
// order: the ldflags override, the embedded vcs revision, then "dev" for
// builds with neither (notably `go test`).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > shortHashLen {
		return rev[:shortHashLen]
	}
	return rev
}

// Full renders "quarry/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

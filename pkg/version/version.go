// Package version derives build identity from VCS metadata.
//
// Priority: -ldflags override > debug.BuildInfo VCS settings > "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs, health responses, and user agents.
const AppName = "mucp"

// gitCommitOverride is set via -ldflags for builds where .git is unavailable
// (container image builds). Empty means no override.
var gitCommitOverride string

var (
	// GitCommit is the short commit hash, or "dev" for non-VCS builds such
	// as `go test`.
	GitCommit = "dev"

	// BuildDate is the commit timestamp from VCS metadata.
	BuildDate = "unknown"

	dirty bool
)

func init() {
	if gitCommitOverride != "" {
		GitCommit = shortRev(gitCommitOverride)
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				GitCommit = shortRev(s.Value)
			}
		case "vcs.time":
			if s.Value != "" {
				BuildDate = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "mucp/<commit>", marking builds from a modified tree.
func Full() string {
	if dirty {
		return AppName + "/" + GitCommit + "+dirty"
	}
	return AppName + "/" + GitCommit
}

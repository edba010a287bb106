package version

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Version information for lazytree
const (
	// Version is the current semantic version
	Version = "0.1.0"

	// BuildDate is set during build time (use -ldflags)
	BuildDate = "development"

	// GitCommit is set during build time (use -ldflags)
	GitCommit = "unknown"
)

// Info returns version information as a string
func Info() string {
	return Version
}

// FullInfo returns detailed version information
func FullInfo() string {
	return "lazytree " + Version + " (commit: " + GitCommit + ", built: " + BuildDate + ", build: " + BuildID() + ")"
}

var (
	buildID     string
	buildIDOnce sync.Once
)

// BuildID returns a fingerprint of the current binary build derived from the
// Go version, module path/version and VCS settings.
func BuildID() string {
	buildIDOnce.Do(func() {
		buildID = computeBuildID()
	})
	return buildID
}

func computeBuildID() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version + "-" + GitCommit
	}

	h := xxhash.New()
	_, _ = h.WriteString(info.GoVersion)
	_, _ = h.WriteString(info.Main.Path)
	_, _ = h.WriteString(info.Main.Version)

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision", "vcs.modified", "vcs.time":
			_, _ = h.WriteString(s.Key)
			_, _ = h.WriteString(s.Value)
		}
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

package common

import (
	"fmt"
	"runtime"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is the build metadata reported by the status endpoint and `jobfeed version`
type VersionInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetVersionInfo returns all build metadata
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Build:     Build,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

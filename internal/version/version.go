package version

import (
	"fmt"
	"runtime"
)

// Build information injected at compile time via ldflags
var (
	// Version is the semantic version of the application
	Version = "v0.0.0-dev"

	// Commit is the git commit hash
	Commit = "unknown"

	// Branch is the git branch
	Branch = "unknown"

	// BuildTime is the timestamp when the binary was built
	BuildTime = "unknown"
)

// Info returns a formatted string with version information
func Info() string {
	return fmt.Sprintf("coyoted %s (commit: %s, branch: %s)", Version, Commit, Branch)
}

// DetailedInfo returns detailed version information
func DetailedInfo() string {
	return fmt.Sprintf(
		"coyoted %s\n"+
			"  Commit: %s\n"+
			"  Branch: %s\n"+
			"  Built: %s\n"+
			"  Go: %s\n"+
			"  OS: %s\n"+
			"  Arch: %s",
		Version,
		Commit,
		Branch,
		BuildTime,
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
	)
}

// GetVersion returns just the version string
func GetVersion() string {
	return Version
}

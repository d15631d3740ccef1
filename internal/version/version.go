// Package version carries build-time metadata for the firefrp server binary.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Version is the release version, set at build time via
	// -ldflags "-X github.com/AerNos/firefrp-server/internal/version.Version=...".
	Version = "dev-unknown"
	// GitCommit is the git sha1 of the build.
	GitCommit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// Info describes compile-time information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns build info.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// IsDev reports whether v is a development build version.
// Development builds are tagged with a "dev-" prefix.
func IsDev(v string) bool {
	return strings.HasPrefix(v, "dev-")
}

// UserAgent returns the HTTP User-Agent string used for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("firefrp-server/%s", Version)
}

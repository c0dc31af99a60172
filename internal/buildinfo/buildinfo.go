// Package buildinfo exposes the version metadata stamped into the
// binary at build time. The version subcommand prints it, the startup
// banner logs it, and outbound VRM requests carry it in User-Agent.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the release build via -ldflags; a plain `go build`
// leaves the dev placeholders in place.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// String is the one-line form used in the startup banner.
func String() string {
	return fmt.Sprintf("vrm-cloud-mqtt %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent identifies this bridge to the VRM API.
func UserAgent() string {
	return "vrm-cloud-mqtt/" + Version
}

// Info collects the stamped fields together with the runtime
// environment, keyed the way the version subcommand prints them.
func Info() map[string]string {
	info := map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
	}
	info["go_version"] = runtime.Version()
	info["os"] = runtime.GOOS
	info["arch"] = runtime.GOARCH
	info["uptime"] = Uptime().String()
	return info
}

// Uptime reports how long this process has been running, rounded to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Round(time.Second)
}

// Package version reports build metadata for the nimlock binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is the default version in local builds.
	DevelopmentVersion = "dev"
)

var (
	// AppVersion is intended to be overridden at build time:
	// go build -ldflags="-X github.com/nimburion/nimlock/pkg/version.AppVersion=v1.2.3"
	AppVersion = DevelopmentVersion

	// GitCommit is intended to be overridden at build time.
	GitCommit = Unknown

	// BuildTime is intended to be overridden at build time (RFC3339 recommended).
	BuildTime = Unknown

	readBuildInfo = debug.ReadBuildInfo
)

// Info contains version metadata for the binary.
type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// Current returns the build metadata. Values not injected with -ldflags are taken from the
// module and VCS information embedded by the Go toolchain, when present.
func Current(serviceName string) Info {
	info := Info{
		Service:   orDefault(serviceName, Unknown),
		Version:   strings.TrimSpace(AppVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
		GoVersion: runtime.Version(),
	}

	if bi, ok := readBuildInfo(); ok && bi != nil {
		if isUnset(info.Version, DevelopmentVersion) && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if isUnset(info.Commit, Unknown) {
					info.Commit = setting.Value
				}
			case "vcs.time":
				if isUnset(info.BuildTime, Unknown) {
					info.BuildTime = setting.Value
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
		if bi.GoVersion != "" {
			info.GoVersion = bi.GoVersion
		}
	}

	info.Version = orDefault(info.Version, DevelopmentVersion)
	info.Commit = orDefault(info.Commit, Unknown)
	info.BuildTime = orDefault(info.BuildTime, Unknown)
	return info
}

// String returns a log-friendly representation.
func (i Info) String() string {
	commit := i.Commit
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s, go=%s)", i.Service, i.Version, commit, i.BuildTime, i.GoVersion)
}

func isUnset(v, placeholder string) bool {
	return v == "" || v == placeholder
}

func orDefault(v, fallback string) string {
	norm := strings.TrimSpace(v)
	if norm == "" {
		return fallback
	}
	return norm
}

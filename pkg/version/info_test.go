package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func withBuild(t *testing.T, appVersion, commit, buildTime string, bi *debug.BuildInfo) {
	t.Helper()
	oldVersion, oldCommit, oldBuildTime, oldRead := AppVersion, GitCommit, BuildTime, readBuildInfo
	t.Cleanup(func() {
		AppVersion, GitCommit, BuildTime, readBuildInfo = oldVersion, oldCommit, oldBuildTime, oldRead
	})
	AppVersion, GitCommit, BuildTime = appVersion, commit, buildTime
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
}

func TestCurrent_Defaults(t *testing.T) {
	withBuild(t, "", "", "", nil)

	info := Current("")
	if info.Service != Unknown {
		t.Fatalf("expected service %q, got %q", Unknown, info.Service)
	}
	if info.Version != DevelopmentVersion {
		t.Fatalf("expected version %q, got %q", DevelopmentVersion, info.Version)
	}
	if info.Commit != Unknown || info.BuildTime != Unknown {
		t.Fatalf("expected unknown commit and build time, got %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatal("expected go version")
	}
}

func TestCurrent_FromBuildInfo(t *testing.T) {
	withBuild(t, DevelopmentVersion, Unknown, Unknown, &debug.BuildInfo{
		GoVersion: "go1.25.5",
		Main:      debug.Module{Path: "github.com/nimburion/nimlock", Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123abcd"},
			{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Current("nimlock")
	if info.Version != "v0.4.1" || info.Commit != "0123abcd" || info.BuildTime != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.Modified || info.GoVersion != "go1.25.5" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := info.String(); !strings.Contains(got, "commit=0123abcd-dirty") {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestCurrent_LdflagsWin(t *testing.T) {
	withBuild(t, "v1.2.3", "feedbeef", "2026-01-01T00:00:00Z", &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123abcd"}},
	})

	info := Current("nimlock")
	if info.Version != "v1.2.3" || info.Commit != "feedbeef" || info.BuildTime != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected ldflags values to win, got %+v", info)
	}
}

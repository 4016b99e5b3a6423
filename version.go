package bulkmail

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build metadata, injected with -ldflags "-X github.com/lattiq/bulkmail.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
	Module    string `json:"module,omitempty" yaml:"module,omitempty"`
}

// GetVersionInfo returns the build metadata, filling gaps from the embedded VCS stamp.
func GetVersionInfo() *VersionInfo {
	info := &VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.Module = buildInfo.Main.Path
	if info.Version == "dev" && buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		info.Version = buildInfo.Main.Version
	}

	dirty := false
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = setting.Value[:min(len(setting.Value), 12)]
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = setting.Value
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if dirty && !strings.HasSuffix(info.GitCommit, "-dirty") {
		info.GitCommit += "-dirty"
	}
	return info
}

// String returns a human-readable version string.
func (v *VersionInfo) String() string {
	parts := []string{"Version: " + v.Version}
	if v.GitCommit != "unknown" && v.GitCommit != "" {
		parts = append(parts, "Commit: "+v.GitCommit)
	}
	if v.BuildDate != "unknown" && v.BuildDate != "" {
		parts = append(parts, "Built: "+v.BuildDate)
	}
	parts = append(parts, "Go: "+v.GoVersion, "Platform: "+v.Platform)
	return strings.Join(parts, ", ")
}

// UserAgent returns a short product identifier for this build.
func (v *VersionInfo) UserAgent() string {
	return fmt.Sprintf("bulkmail/%s (%s)", v.Version, v.Platform)
}

// IsDevBuild reports whether the binary was built without release metadata.
func (v *VersionInfo) IsDevBuild() bool {
	return strings.Contains(v.Version, "dev") ||
		strings.HasSuffix(v.GitCommit, "-dirty") ||
		v.GitCommit == "unknown"
}

// Package version reports the build stamped into the binary
package version

// BuildInfo holds version information about the build
type BuildInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Info returns the build information. version, commit and date are set at build time:
//
//	-ldflags "-X telemirror/internal/core/version.version=v1.2.0 -X telemirror/internal/core/version.commit=abcd"
func Info() BuildInfo {
	return BuildInfo{
		Service: "telemirror",
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

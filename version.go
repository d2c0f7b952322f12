package medguard

import (
	"fmt"
	"runtime/debug"
)

const Version = "0.4.0"

// Revision and BuildTime are stamped at link time with
// -ldflags "-X github.com/hengadev/medguard.Revision=...". When they are
// empty, Build reads the VCS settings embedded by the Go toolchain.
var (
	Revision  string
	BuildTime string
)

// BuildInfo identifies the running medguard build.
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Build() BuildInfo {
	b := BuildInfo{Version: Version, Revision: Revision, BuildTime: BuildTime}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	b.GoVersion = info.GoVersion
	if b.Revision != "" {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			if b.BuildTime == "" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}

// String renders "medguard v0.4.0", followed by the short revision and build
// time when known.
func (b BuildInfo) String() string {
	s := "medguard v" + b.Version
	if b.Revision == "" {
		return s
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if b.Dirty {
		rev += "-dirty"
	}
	if b.BuildTime == "" {
		return fmt.Sprintf("%s (%s)", s, rev)
	}
	return fmt.Sprintf("%s (%s, built %s)", s, rev, b.BuildTime)
}

// VersionInfo is Build().String().
func VersionInfo() string {
	return Build().String()
}

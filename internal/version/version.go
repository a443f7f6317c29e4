// Package version carries the build version, set with -ldflags or read from
// the VCS stamp of the binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/gridops/abmonitor/internal/version.Version=v1.2.0".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Build describes where a binary comes from.
type Build struct {
	Revision string
	Time     string
	Dirty    bool
}

// Stamp returns the VCS revision embedded by the go tool, if any.
func Stamp() (Build, bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Build{}, false
	}
	return fromSettings(bi.Settings)
}

func fromSettings(settings []debug.BuildSetting) (Build, bool) {
	var b Build
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			b.Time = s.Value
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b, b.Revision != ""
}

func (b Build) String() string {
	s := fmt.Sprintf("%s %s", short(b.Revision), b.Time)
	if b.Dirty {
		s += " dirty"
	}
	return s
}

// Full returns the version followed by the VCS stamp, or by the ldflags
// commit and date when the binary carries no stamp.
func Full() string {
	if b, ok := Stamp(); ok {
		return fmt.Sprintf("%s (%s)", Version, b)
	}
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

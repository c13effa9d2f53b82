// Package version reports the relay build, stamped at link time:
//
//	go build -ldflags "-X github.com/NicolasHaas/chatrelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/chatrelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/chatrelay/pkg/version.date=2026-01-01"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	tag    = ""
	commit = ""
	date   = ""
)

// Info describes one build.
type Info struct {
	Tag       string `json:"tag,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the stamped build info. An unstamped build falls back to the
// VCS revision recorded by the Go toolchain, if any.
func Get() Info {
	info := Info{Tag: tag, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info.Commit != "" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = shortRev(s.Value)
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			}
		}
	}
	return info
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// Short is the tag, else the commit, else "dev".
func (i Info) Short() string {
	switch {
	case i.Tag != "":
		return i.Tag
	case i.Commit != "":
		return i.Commit
	default:
		return "dev"
	}
}

func (i Info) String() string {
	s := i.Short()
	if i.Tag != "" && i.Commit != "" {
		s += " (" + i.Commit + ")"
	}
	if i.Date != "" {
		s += " built " + i.Date
	}
	return fmt.Sprintf("%s %s", s, i.GoVersion)
}

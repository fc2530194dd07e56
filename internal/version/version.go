// Package version carries build metadata stamped in via -ldflags, falling
// back to the VCS settings the Go toolchain embeds.
package version

import (
	"runtime/debug"
	"strconv"
	"strings"
)

// Set at link time.
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		out.applyVCS(bi.Settings)
	}
	return out
}

// applyVCS fills what the linker flags left unset from the toolchain's
// vcs.* settings. An explicit commit or build date is never overridden.
func (i *Info) applyVCS(settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" || i.Commit == "" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &b
			}
		}
	}
}

// ShortCommit is the first 12 characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// String renders the one-line form printed by -V.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version + " (commit " + i.ShortCommit())
	if i.VCSDirty != nil && *i.VCSDirty {
		b.WriteString(", dirty")
	}
	if i.BuildDate != "" {
		b.WriteString(", built " + i.BuildDate)
	}
	if i.GoVersion != "" {
		b.WriteString(", " + i.GoVersion)
	}
	b.WriteString(")")
	return b.String()
}

// UserAgent identifies this build on outbound GitHub calls, e.g.
// "sitesync/v1.4.0 (0123456789ab)".
func (i Info) UserAgent(app string) string {
	return app + "/" + i.Version + " (" + i.ShortCommit() + ")"
}

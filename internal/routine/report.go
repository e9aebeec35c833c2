package routine

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/update-agent-project/uparun/internal/backup"
	"github.com/update-agent-project/uparun/internal/host"
	"github.com/update-agent-project/uparun/internal/injector"
)

// ArtifactInfo is one artifact line in a report.
type ArtifactInfo struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	NewVersion string `json:"new_version,omitempty"`
}

// PluginReport groups the site's plugins by state.
type PluginReport struct {
	Active     []ArtifactInfo `json:"active"`
	Inactive   []ArtifactInfo `json:"inactive"`
	NeedUpdate []ArtifactInfo `json:"need_update"`
}

// ThemeReport groups the site's themes.
type ThemeReport struct {
	Installed  []ArtifactInfo `json:"installed"`
	NeedUpdate []ArtifactInfo `json:"need_update"`
}

// Report is the full site snapshot pushed to the master and served by
// the status endpoint. Rebuilt fresh on every sync.
type Report struct {
	SiteURL             string          `json:"site_url"`
	SiteName            string          `json:"site_name"`
	AgentVersion        string          `json:"agent_version"`
	GeneratedAt         time.Time       `json:"generated_at"`
	Plugins             PluginReport    `json:"plugins"`
	Themes              ThemeReport     `json:"themes"`
	TranslationsPending int             `json:"translations_pending"`
	Backups             []backup.Record `json:"backups"`
	Summary             string          `json:"summary"`
}

var titleCaser = cases.Title(language.English)

// BuildReport assembles a snapshot from the current inventory, the
// pending candidates and the backup list.
func BuildReport(
	siteURL, siteName, agentVersion string,
	plugins, themes []host.Artifact,
	candidates []injector.Candidate,
	translationsPending int,
	backups []backup.Record,
) *Report {
	newVersions := make(map[string]string, len(candidates))
	for _, c := range candidates {
		newVersions[c.Identifier] = c.NewVersion
	}

	r := &Report{
		SiteURL:             siteURL,
		SiteName:            siteName,
		AgentVersion:        agentVersion,
		GeneratedAt:         time.Now().UTC(),
		TranslationsPending: translationsPending,
		Backups:             backups,
	}

	for _, p := range plugins {
		info := artifactInfo(p, newVersions)
		if info.NewVersion != "" {
			r.Plugins.NeedUpdate = append(r.Plugins.NeedUpdate, info)
		}
		if p.Active {
			r.Plugins.Active = append(r.Plugins.Active, info)
		} else {
			r.Plugins.Inactive = append(r.Plugins.Inactive, info)
		}
	}
	for _, t := range themes {
		info := artifactInfo(t, newVersions)
		r.Themes.Installed = append(r.Themes.Installed, info)
		if info.NewVersion != "" {
			r.Themes.NeedUpdate = append(r.Themes.NeedUpdate, info)
		}
	}

	r.Summary = r.summarize()
	return r
}

func artifactInfo(a host.Artifact, newVersions map[string]string) ArtifactInfo {
	return ArtifactInfo{
		Identifier: a.Identifier,
		Name:       a.Name,
		Version:    a.Version,
		NewVersion: newVersions[a.Identifier],
	}
}

// summarize renders the one-line human summary shown in dashboards.
func (r *Report) summarize() string {
	parts := []string{
		fmt.Sprintf("%d %s (%d active, %d pending updates)",
			len(r.Plugins.Active)+len(r.Plugins.Inactive),
			titleCaser.String("plugins"),
			len(r.Plugins.Active),
			len(r.Plugins.NeedUpdate)),
		fmt.Sprintf("%d %s (%d pending updates)",
			len(r.Themes.Installed),
			titleCaser.String("themes"),
			len(r.Themes.NeedUpdate)),
	}
	if r.TranslationsPending > 0 {
		parts = append(parts, fmt.Sprintf("%d translation updates pending", r.TranslationsPending))
	}
	if len(r.Backups) > 0 {
		parts = append(parts, fmt.Sprintf("%d backups", len(r.Backups)))
	}
	return strings.Join(parts, ", ")
}

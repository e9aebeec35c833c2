// Package injector merges update sources into a single candidate list.
// Private repository feeds, the host's native update view and updates
// pushed by the master are reconciled to at most one candidate per
// installed artifact.
package injector

import (
	"log/slog"

	"github.com/update-agent-project/uparun/internal/feed"
	"github.com/update-agent-project/uparun/internal/host"
	"github.com/update-agent-project/uparun/internal/resolver"
	"github.com/update-agent-project/uparun/internal/version"
)

// Origin classifies where an update candidate came from. The origin
// decides which install pass consumes the candidate.
type Origin string

const (
	OriginNative         Origin = "native"
	OriginPrivateRepo    Origin = "private-repo"
	OriginMasterInjected Origin = "master-injected"
)

// Candidate is one pending update for an installed artifact. A
// candidate without a package URL is reported but never installed.
type Candidate struct {
	Identifier     string    `json:"identifier"`
	Slug           string    `json:"slug"`
	DisplayName    string    `json:"display_name"`
	CurrentVersion string    `json:"current_version"`
	NewVersion     string    `json:"new_version"`
	PackageURL     string    `json:"package_url"`
	Checksum       string    `json:"checksum,omitempty"`
	SignatureURL   string    `json:"signature_url,omitempty"`
	Origin         Origin    `json:"origin"`
	Kind           host.Kind `json:"kind"`
}

// Installable reports whether the candidate carries a package URL.
func (c Candidate) Installable() bool {
	return c.PackageURL != ""
}

// InjectedUpdate is an update pushed by the master for a known
// identifier, bypassing feed resolution.
type InjectedUpdate struct {
	Identifier string `json:"identifier"`
	NewVersion string `json:"new_version"`
	PackageURL string `json:"package_url"`
}

// Injector builds candidate lists.
type Injector struct {
	log *slog.Logger
}

// New creates an Injector.
func New(log *slog.Logger) *Injector {
	if log == nil {
		log = slog.Default()
	}
	return &Injector{log: log}
}

// BuildCandidates reconciles the private feed manifest, the host's
// native update view and master-injected updates against the installed
// artifacts. Precedence per identifier: a resolved private-repo
// candidate wins, then the native view, then master-injected updates
// fill remaining gaps.
func (inj *Injector) BuildCandidates(
	manifest []feed.ManifestEntry,
	installed []host.Artifact,
	native map[string]host.NativeUpdate,
	injected []InjectedUpdate,
	aliases map[string]string,
) []Candidate {
	byID := make(map[string]host.Artifact, len(installed))
	for _, a := range installed {
		byID[a.Identifier] = a
	}

	res := resolver.New(installed, aliases, inj.log)
	seen := make(map[string]bool)
	var out []Candidate

	for _, entry := range manifest {
		id, err := res.Resolve(entry.Slug, entry.Name)
		if err != nil {
			inj.log.Warn("skipping unresolved manifest entry",
				"slug", entry.Slug, "name", entry.Name, "error", err)
			continue
		}
		art := byID[id]
		if seen[id] {
			continue
		}
		if version.Compare(art.Version, entry.Version) >= 0 {
			continue
		}
		seen[id] = true
		out = append(out, Candidate{
			Identifier:     id,
			Slug:           entry.Slug,
			DisplayName:    art.Name,
			CurrentVersion: art.Version,
			NewVersion:     entry.Version,
			PackageURL:     entry.DownloadURL,
			Checksum:       entry.Checksum,
			SignatureURL:   entry.SignatureURL,
			Origin:         OriginPrivateRepo,
			Kind:           art.Kind,
		})
	}

	for id, upd := range native {
		if seen[id] {
			continue
		}
		art, ok := byID[id]
		if !ok {
			continue
		}
		seen[id] = true
		out = append(out, Candidate{
			Identifier:     id,
			Slug:           art.Slug(),
			DisplayName:    art.Name,
			CurrentVersion: art.Version,
			NewVersion:     upd.NewVersion,
			PackageURL:     upd.PackageURL,
			Origin:         OriginNative,
			Kind:           art.Kind,
		})
	}

	for _, upd := range injected {
		if seen[upd.Identifier] {
			continue
		}
		art, ok := byID[upd.Identifier]
		if !ok {
			inj.log.Warn("injected update for unknown artifact", "identifier", upd.Identifier)
			continue
		}
		if upd.NewVersion != "" && version.Compare(art.Version, upd.NewVersion) >= 0 {
			continue
		}
		seen[upd.Identifier] = true
		out = append(out, Candidate{
			Identifier:     upd.Identifier,
			Slug:           art.Slug(),
			DisplayName:    art.Name,
			CurrentVersion: art.Version,
			NewVersion:     upd.NewVersion,
			PackageURL:     upd.PackageURL,
			Origin:         OriginMasterInjected,
			Kind:           art.Kind,
		})
	}

	return out
}

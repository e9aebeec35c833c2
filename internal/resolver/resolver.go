// Package resolver maps feed slugs to installed artifacts. Feed slugs
// are free text and drift from installed directory names, so matching
// runs through an ordered chain of strategies, cheapest and most
// specific first.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/update-agent-project/uparun/internal/host"
)

// ErrNotFound is returned when no strategy matches an installed artifact.
var ErrNotFound = errors.New("no installed artifact matches")

// Resolver matches manifest slugs and names against a fixed set of
// installed artifacts.
type Resolver struct {
	installed []host.Artifact
	aliases   map[string]string
	log       *slog.Logger
}

// New creates a resolver over the given installed artifacts. The alias
// map forces a slug straight to an identifier, bypassing the strategy
// chain; operators use it for known vendor naming collisions.
func New(installed []host.Artifact, aliases map[string]string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{installed: installed, aliases: aliases, log: log}
}

// strategy tries to match one slug/name pair against one artifact.
type strategy struct {
	name  string
	match func(slug, name string, a host.Artifact) bool
}

var strategies = []strategy{
	{"exact-identifier", func(slug, _ string, a host.Artifact) bool {
		return slug == a.Identifier
	}},
	{"exact-directory", func(slug, _ string, a host.Artifact) bool {
		return slug == a.Directory
	}},
	{"singular-plural-directory", func(slug, _ string, a host.Artifact) bool {
		return pluralVariant(slug, a.Directory)
	}},
	{"fuzzy-directory", func(slug, _ string, a host.Artifact) bool {
		return normalize(slug) != "" && normalize(slug) == normalize(a.Directory)
	}},
	{"exact-name", func(_, name string, a host.Artifact) bool {
		return name != "" && name == a.Name
	}},
	{"identifier-prefix", func(slug, _ string, a host.Artifact) bool {
		return strings.HasPrefix(a.Identifier, slug+"/") || a.Identifier == slug+".php"
	}},
	{"fuzzy-name", func(_, name string, a host.Artifact) bool {
		return name != "" && normalize(name) != "" && normalize(name) == normalize(a.Name)
	}},
	{"text-domain", func(slug, _ string, a host.Artifact) bool {
		if a.TextDomain == "" {
			return false
		}
		return slug == a.TextDomain || normalize(slug) == normalize(a.TextDomain)
	}},
	{"singular-plural-name", func(_, name string, a host.Artifact) bool {
		return name != "" && pluralVariant(name, a.Name)
	}},
}

// Resolve returns the identifier of the installed artifact matching
// slug (and optionally its display name). The chain runs once on the
// raw slug and once more after stripping duplicate-download and
// version suffixes.
func (r *Resolver) Resolve(slug, name string) (string, error) {
	if forced, ok := r.aliases[slug]; ok {
		r.log.Debug("resolved via alias map", "slug", slug, "identifier", forced)
		return forced, nil
	}

	if id, strat := r.runChain(slug, name); id != "" {
		r.log.Debug("resolved artifact", "slug", slug, "identifier", id, "strategy", strat)
		return id, nil
	}

	if cleaned := CleanSlug(slug); cleaned != slug {
		if id, strat := r.runChain(cleaned, name); id != "" {
			r.log.Debug("resolved artifact after cleanup",
				"slug", slug, "cleaned", cleaned, "identifier", id, "strategy", strat)
			return id, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrNotFound, slug)
}

func (r *Resolver) runChain(slug, name string) (identifier, strategyName string) {
	for _, s := range strategies {
		for _, a := range r.installed {
			if s.match(slug, name, a) {
				return a.Identifier, s.name
			}
		}
	}
	return "", ""
}

var (
	dupSuffixRe     = regexp.MustCompile(`\s*\(\d+\)$`)
	versionSuffixRe = regexp.MustCompile(`[-_]v?\d+(\.\d+)*$`)
)

// CleanSlug strips the " (N)" duplicate-download suffix and trailing
// version suffixes like -1.2.3 or _v2.0.
func CleanSlug(slug string) string {
	s := dupSuffixRe.ReplaceAllString(slug, "")
	s = versionSuffixRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// pluralVariant reports whether a and b differ only by a trailing "s".
func pluralVariant(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a+"s" == b || strings.TrimSuffix(a, "s") == b
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// normalize lowercases and strips everything but letters and digits.
func normalize(s string) string {
	return nonAlnumRe.ReplaceAllString(strings.ToLower(s), "")
}

// Directory returns the directory component of an identifier, used by
// callers that need a slug-shaped handle for a resolved artifact.
func Directory(identifier string) string {
	if dir := path.Dir(identifier); dir != "." {
		return dir
	}
	return strings.TrimSuffix(identifier, ".php")
}

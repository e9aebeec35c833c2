// Package host provides the capability surface the agent uses to talk
// to the host environment: the installed-artifact inventory, the native
// update view, downloads and archive extraction. Components accept
// these interfaces so tests can substitute fakes, and so the agent
// never reads ambient host state directly.
package host

import "context"

// Kind classifies an installable artifact.
type Kind string

const (
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

// Artifact is an installed plugin or theme as reported by the host.
type Artifact struct {
	// Identifier is the host-specific identifier: "dir/entry.php" (or
	// "entry.php" for single-file plugins) for plugins, the directory
	// name for themes.
	Identifier string
	// Directory is the containing folder name; equal to Identifier for
	// themes, and "." collapses to the entry basename for single-file
	// plugins.
	Directory  string
	Name       string // display name from the declaration header
	Version    string
	TextDomain string
	Active     bool
	Kind       Kind
}

// Slug returns the directory-style short name for the artifact, the
// form feeds usually refer to.
func (a Artifact) Slug() string {
	return a.Directory
}

// NativeUpdate is one entry of the host's own "available updates" view.
type NativeUpdate struct {
	Identifier string `json:"identifier"`
	NewVersion string `json:"new_version"`
	PackageURL string `json:"package"`
	InfoURL    string `json:"url"`
}

// TranslationUpdate is a pending language-pack update.
type TranslationUpdate struct {
	Slug       string `json:"slug"`
	Language   string `json:"language"`
	PackageURL string `json:"package"`
}

// Inventory lists installed artifacts and the host's native update
// candidates.
type Inventory interface {
	Plugins() ([]Artifact, error)
	Themes() ([]Artifact, error)
	// NativeUpdates returns the host's pending updates keyed by
	// artifact identifier.
	NativeUpdates(kind Kind) (map[string]NativeUpdate, error)
	TranslationUpdates() ([]TranslationUpdate, error)
	// Activate marks a plugin identifier active. Any incidental output
	// from the host is discarded; only the error escapes.
	Activate(identifier string) error
}

// Fetcher downloads a URL to a local file and returns its path.
type Fetcher interface {
	Download(ctx context.Context, url string) (string, error)
}

// Extractor unpacks an archive into a directory.
type Extractor interface {
	Extract(archive, dir string) error
}

package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Sentinel errors for inventory operations.
var (
	ErrNotInstalled = errors.New("artifact is not installed")
)

// headerLimit bounds how much of a declaration file is scanned for
// header fields.
const headerLimit = 8 * 1024

var headerRe = regexp.MustCompile(`(?m)^[ \t/*#@;-]*(Plugin Name|Theme Name|Version|Text Domain):[ \t]*(.+?)[ \t]*(?:\*/)?$`)

// Dir is the filesystem-backed Inventory. Plugins live under PluginDir
// (directories with a declaration file, or bare single-file entries),
// themes under ThemeDir (directories with a style.css). The host
// maintains ActiveFile (JSON list of active plugin identifiers) and
// the native update view files.
type Dir struct {
	PluginDir string
	ThemeDir  string

	// ActiveFile lists active plugin identifiers as a JSON array.
	ActiveFile string
	// PluginUpdatesFile and ThemeUpdatesFile hold the host's native
	// update view as JSON maps keyed by identifier.
	PluginUpdatesFile string
	ThemeUpdatesFile  string
	// TranslationsFile holds pending language-pack updates.
	TranslationsFile string

	Log *slog.Logger
}

func (d *Dir) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Plugins scans PluginDir for installed plugins.
func (d *Dir) Plugins() ([]Artifact, error) {
	entries, err := os.ReadDir(d.PluginDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin dir %s: %w", d.PluginDir, err)
	}

	active, err := d.activeSet()
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			art, ok := d.scanPluginDir(entry.Name())
			if !ok {
				continue
			}
			art.Active = active[art.Identifier]
			artifacts = append(artifacts, art)
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".php") {
			continue
		}
		// Single-file plugin convention: identifier is the bare file
		// name and the slug is the basename without extension.
		h := parseHeader(filepath.Join(d.PluginDir, entry.Name()))
		if h.name == "" {
			continue
		}
		art := Artifact{
			Identifier: entry.Name(),
			Directory:  strings.TrimSuffix(entry.Name(), ".php"),
			Name:       h.name,
			Version:    h.version,
			TextDomain: h.textDomain,
			Kind:       KindPlugin,
		}
		art.Active = active[art.Identifier]
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

func (d *Dir) scanPluginDir(dir string) (Artifact, bool) {
	files, err := os.ReadDir(filepath.Join(d.PluginDir, dir))
	if err != nil {
		return Artifact{}, false
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".php") {
			continue
		}
		h := parseHeader(filepath.Join(d.PluginDir, dir, f.Name()))
		if h.name == "" {
			continue
		}
		return Artifact{
			Identifier: dir + "/" + f.Name(),
			Directory:  dir,
			Name:       h.name,
			Version:    h.version,
			TextDomain: h.textDomain,
			Kind:       KindPlugin,
		}, true
	}
	return Artifact{}, false
}

// Themes scans ThemeDir for installed themes.
func (d *Dir) Themes() ([]Artifact, error) {
	entries, err := os.ReadDir(d.ThemeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read theme dir %s: %w", d.ThemeDir, err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		style := filepath.Join(d.ThemeDir, entry.Name(), "style.css")
		if _, err := os.Stat(style); err != nil {
			continue
		}
		h := parseHeader(style)
		artifacts = append(artifacts, Artifact{
			Identifier: entry.Name(),
			Directory:  entry.Name(),
			Name:       h.name,
			Version:    h.version,
			TextDomain: h.textDomain,
			Kind:       KindTheme,
		})
	}
	return artifacts, nil
}

// NativeUpdates reads the host's pending update view for one kind.
// A missing view file means no pending updates, not an error.
func (d *Dir) NativeUpdates(kind Kind) (map[string]NativeUpdate, error) {
	path := d.PluginUpdatesFile
	if kind == KindTheme {
		path = d.ThemeUpdatesFile
	}
	if path == "" {
		return map[string]NativeUpdate{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]NativeUpdate{}, nil
		}
		return nil, fmt.Errorf("failed to read native update view %s: %w", path, err)
	}
	updates := make(map[string]NativeUpdate)
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse native update view %s: %w", path, err)
	}
	return updates, nil
}

// TranslationUpdates reads pending language-pack updates.
func (d *Dir) TranslationUpdates() ([]TranslationUpdate, error) {
	if d.TranslationsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(d.TranslationsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read translations view %s: %w", d.TranslationsFile, err)
	}
	var updates []TranslationUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse translations view %s: %w", d.TranslationsFile, err)
	}
	return updates, nil
}

// Activate marks a plugin identifier as active in ActiveFile. The
// identifier must resolve to an installed entry file.
func (d *Dir) Activate(identifier string) error {
	if _, err := os.Stat(filepath.Join(d.PluginDir, identifier)); err != nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, identifier)
	}
	active, err := d.activeList()
	if err != nil {
		return err
	}
	for _, id := range active {
		if id == identifier {
			return nil
		}
	}
	active = append(active, identifier)
	data, err := json.MarshalIndent(active, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode active list: %w", err)
	}
	if err := os.WriteFile(d.ActiveFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write active list %s: %w", d.ActiveFile, err)
	}
	d.logger().Info("plugin activated", "identifier", identifier)
	return nil
}

func (d *Dir) activeList() ([]string, error) {
	if d.ActiveFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(d.ActiveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read active list %s: %w", d.ActiveFile, err)
	}
	var active []string
	if err := json.Unmarshal(data, &active); err != nil {
		return nil, fmt.Errorf("failed to parse active list %s: %w", d.ActiveFile, err)
	}
	return active, nil
}

func (d *Dir) activeSet() (map[string]bool, error) {
	list, err := d.activeList()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(list))
	for _, id := range list {
		set[id] = true
	}
	return set, nil
}

type header struct {
	name       string
	version    string
	textDomain string
}

// parseHeader extracts declaration header fields from the start of a
// file. Returns a zero header when the file has none.
func parseHeader(path string) header {
	f, err := os.Open(path)
	if err != nil {
		return header{}
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, headerLimit)
	n, _ := f.Read(buf)
	var h header
	for _, m := range headerRe.FindAllStringSubmatch(string(buf[:n]), -1) {
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "Plugin Name", "Theme Name":
			if h.name == "" {
				h.name = value
			}
		case "Version":
			if h.version == "" {
				h.version = value
			}
		case "Text Domain":
			if h.textDomain == "" {
				h.textDomain = value
			}
		}
	}
	return h
}

// DeclaredName returns the display name declared by a plugin entry
// file or theme stylesheet, or "" when none is present.
func DeclaredName(path string) string {
	return parseHeader(path).name
}

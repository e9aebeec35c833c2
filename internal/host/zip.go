package host

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ZipExtractor unpacks zip archives. Archive entries are confined to
// the destination directory (zip-slip guard).
type ZipExtractor struct{}

// Extract unpacks archive into dir, creating dir if needed.
func (ZipExtractor) Extract(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create extraction dir %s: %w", dir, err)
	}

	for _, f := range r.File {
		cleanName := filepath.Clean(f.Name)
		fpath := filepath.Join(dir, cleanName)

		if rel, err := filepath.Rel(dir, fpath); err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", fpath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", fpath, err)
		}

		out, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entryMode(f.Mode()))
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", fpath, err)
		}

		rc, err := f.Open()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}

		_, err = io.Copy(out, rc)
		_ = out.Close()
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", fpath, err)
		}
	}
	return nil
}

// entryMode handles archives with missing mode bits.
func entryMode(m os.FileMode) os.FileMode {
	if m == 0 {
		return 0644
	}
	return m
}

// ZipDir archives the contents of src (a directory or single file)
// into a zip file at dst, overwriting any existing file. Entry names
// are relative to src, so the archive extracts "flat".
func ZipDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat archive source %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dst, err)
	}
	w := zip.NewWriter(out)

	addFile := func(path, name string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		entry, err := w.Create(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	}

	if info.IsDir() {
		err = filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if fi.IsDir() {
				_, err := w.Create(rel + "/")
				return err
			}
			return addFile(path, rel)
		})
	} else {
		err = addFile(src, filepath.Base(src))
	}
	if err != nil {
		_ = w.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}

	if err := w.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to finalize archive %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("failed to close archive %s: %w", dst, err)
	}
	return nil
}

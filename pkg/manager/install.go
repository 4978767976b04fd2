package manager

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// installFiles unpacks a gzipped tarball below dir and returns the paths of
// the files it wrote, relative to dir.
func installFiles(r io.Reader, dir string) ([]string, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	tr := tar.NewReader(gzr)
	var installedFiles []string

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return installedFiles, err
		}

		name := strings.TrimPrefix(header.Name, "./")
		if name == "" || name == "." {
			continue
		}

		target, err := safeJoin(dir, name)
		if err != nil {
			return installedFiles, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return installedFiles, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return installedFiles, err
			}

			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)|0600)
			if err != nil {
				return installedFiles, err
			}

			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return installedFiles, err
			}
			outFile.Close()
			installedFiles = append(installedFiles, filepath.ToSlash(name))
		}
	}

	return installedFiles, nil
}

// safeJoin joins name to dir, refusing names that escape dir.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive member %q escapes the install directory", name)
	}
	return target, nil
}

// removeInstallDir deletes an installed revision. Only directories below
// the install directory are removed.
func (m *Manager) removeInstallDir(dir string) error {
	rel := relPath(m.installDir, dir)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("refusing to remove %s outside of %s", dir, m.installDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}

	// Drop empty parents up to the install directory.
	for parent := filepath.Dir(dir); parent != filepath.Clean(m.installDir); parent = filepath.Dir(parent) {
		if err := os.Remove(parent); err != nil {
			break
		}
	}
	return nil
}

func relPath(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ".."
	}
	return filepath.ToSlash(rel)
}

// Package fetcher keeps local pools of unpacked source packages fresh.
package fetcher

import (
	"fmt"
	"os"
	"path/filepath"
)

// versionFilename is the per-package marker file recording which version
// of the package the local directory holds.
const versionFilename = ".version_id"

// SourceFetcher fetches new versions of sources to store locally.
type SourceFetcher interface {
	FetchSources() error
}

// Base holds the target directory layout shared by all fetchers:
// targetDir/<collection>/<package>/ plus a version marker per package.
// Concrete fetchers embed it.
type Base struct {
	targetDir string
}

// NewBase creates the target directory if needed.
func NewBase(targetDir string) (Base, error) {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return Base{}, fmt.Errorf("creating target directory %s: %w", targetDir, err)
	}
	return Base{targetDir: targetDir}, nil
}

// ensurePackage makes sure the package directory exists and returns its
// path. With removeContents, any existing contents are wiped first
// (used when refreshing a package).
func (b Base) ensurePackage(collection, pkg string, removeContents bool) (string, error) {
	packageDir := filepath.Join(b.targetDir, collection, pkg)

	if removeContents {
		if err := os.RemoveAll(packageDir); err != nil {
			return "", fmt.Errorf("cleaning package directory %s: %w", packageDir, err)
		}
	}
	if err := os.MkdirAll(packageDir, 0755); err != nil {
		return "", fmt.Errorf("creating package directory %s: %w", packageDir, err)
	}
	return packageDir, nil
}

// writePackageVersion records the version identifier (a URL, disturl,
// version string, ...) the package directory currently holds.
func (b Base) writePackageVersion(collection, pkg, versionID string) error {
	packageDir, err := b.ensurePackage(collection, pkg, false)
	if err != nil {
		return err
	}
	markerPath := filepath.Join(packageDir, versionFilename)
	if err := os.WriteFile(markerPath, []byte(versionID), 0644); err != nil {
		return fmt.Errorf("writing version marker for %s/%s: %w", collection, pkg, err)
	}
	return nil
}

// packageFresh reports whether the local package directory already holds
// the given version. A missing directory or marker means stale; the
// package directory is created as a side effect.
func (b Base) packageFresh(collection, pkg, versionID string) (bool, error) {
	packageDir, err := b.ensurePackage(collection, pkg, false)
	if err != nil {
		return false, err
	}
	marker, err := os.ReadFile(filepath.Join(packageDir, versionFilename))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading version marker for %s/%s: %w", collection, pkg, err)
	}
	return string(marker) == versionID, nil
}

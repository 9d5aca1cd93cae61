package fetcher

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/cavaliergopher/rpm"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"patchcrawl/internal/crawl"
	"patchcrawl/internal/repomd"
)

// DefaultDistros maps openSUSE collection names to their source
// repository base URLs.
var DefaultDistros = map[string]string{
	"tumbleweed": "https://download.opensuse.org/source/tumbleweed/repo/oss/",
	"leap-15.6":  "https://download.opensuse.org/source/distribution/leap/15.6/repo/oss/",
	"leap-15.5":  "https://download.opensuse.org/source/distribution/leap/15.5/repo/oss/",
}

// OpenSuse fetches openSUSE source RPMs and stores them unpacked under
// the target directory, one directory per collection/package. A package
// is only re-downloaded when its repository URL differs from the local
// version marker.
type OpenSuse struct {
	Base
	repos   *repomd.Client
	logger  crawl.Logger
	distros map[string]string
}

var _ SourceFetcher = (*OpenSuse)(nil)

// NewOpenSuse creates an openSUSE source fetcher. A nil distros map
// falls back to DefaultDistros; a nil logger discards output.
func NewOpenSuse(targetDir string, repos *repomd.Client, logger crawl.Logger, distros map[string]string) (*OpenSuse, error) {
	base, err := NewBase(targetDir)
	if err != nil {
		return nil, err
	}
	if repos == nil {
		repos = repomd.NewClient(nil, logger)
	}
	if logger == nil {
		logger = crawl.NewNopLogger()
	}
	if len(distros) == 0 {
		distros = DefaultDistros
	}
	return &OpenSuse{Base: base, repos: repos, logger: logger, distros: distros}, nil
}

// FetchSources refreshes every outdated package of every configured
// collection: wipe the package directory, download the source RPM,
// unpack its payload, then write the version marker. The marker is
// written last so an interrupted refresh stays marked stale.
func (f *OpenSuse) FetchSources() error {
	for collection, baseURL := range f.distros {
		packages, err := f.repos.SourcePackages(baseURL)
		if err != nil {
			return fmt.Errorf("listing source packages for %s: %w", collection, err)
		}
		f.logger.Info("collection inventory", "collection", collection, "packages", len(packages))

		for _, pkg := range packages {
			fresh, err := f.packageFresh(collection, pkg.Name, pkg.URL)
			if err != nil {
				return err
			}
			if fresh {
				continue
			}
			f.logger.Info("package is outdated", "collection", collection, "package", pkg.Name)

			packageDir, err := f.ensurePackage(collection, pkg.Name, true)
			if err != nil {
				return err
			}
			data, err := f.repos.Download(pkg.URL)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", pkg.URL, err)
			}
			if err := unpackRPM(data, packageDir); err != nil {
				return fmt.Errorf("unpacking %s: %w", pkg.URL, err)
			}
			if err := f.writePackageVersion(collection, pkg.Name, pkg.URL); err != nil {
				return err
			}
		}
	}
	return nil
}

// unpackRPM extracts the regular files of an RPM payload into dir.
func unpackRPM(data []byte, dir string) error {
	r := bytes.NewReader(data)
	pkg, err := rpm.Read(r)
	if err != nil {
		return fmt.Errorf("reading rpm headers: %w", err)
	}
	if format := pkg.PayloadFormat(); format != "cpio" {
		return fmt.Errorf("unsupported rpm payload format %q", format)
	}

	payload, err := decompressPayload(r, pkg.PayloadCompression())
	if err != nil {
		return err
	}

	cr := cpio.NewReader(payload)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading rpm payload: %w", err)
		}
		if !hdr.Mode.IsRegular() {
			continue
		}
		name, ok := safeMemberName(hdr.Name)
		if !ok {
			return fmt.Errorf("rpm payload member %q escapes the package directory", hdr.Name)
		}
		target := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", name, err)
		}
		out, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		if _, err := io.Copy(out, cr); err != nil {
			out.Close()
			return fmt.Errorf("writing %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", target, err)
		}
	}
}

// decompressPayload wraps the reader positioned at the payload start
// with the right decompressor.
func decompressPayload(r io.Reader, compression string) (io.Reader, error) {
	switch compression {
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip payload: %w", err)
		}
		return zr, nil
	case "xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening xz payload: %w", err)
		}
		return xr, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd payload: %w", err)
		}
		return zr.IOReadCloser(), nil
	case "bzip2":
		return bzip2.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported rpm payload compression %q", compression)
	}
}

// safeMemberName normalizes a cpio member name ("./src/foo.c") to a
// path relative to the package directory, rejecting escapes.
func safeMemberName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	name = filepath.Clean(name)
	if name == "." || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", false
	}
	return name, true
}

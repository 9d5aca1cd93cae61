// Package repomd reads rpm-md repository metadata (repomd.xml and the
// primary metadata document) to enumerate source packages.
package repomd

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cavaliergopher/rpm"

	"patchcrawl/internal/crawl"
)

const (
	defaultTimeout = 5 * time.Minute
	// downloadTries bounds retries of transient transport errors.
	downloadTries = 4
)

// Client downloads and parses repository metadata. One Client shares a
// single HTTP client across all downloads, including the package
// downloads the source fetcher performs.
type Client struct {
	httpc  *http.Client
	logger crawl.Logger
}

// NewClient creates a metadata client. A nil httpc falls back to a
// client with a generous timeout (primary metadata files are large);
// a nil logger discards output.
func NewClient(httpc *http.Client, logger crawl.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = crawl.NewNopLogger()
	}
	return &Client{httpc: httpc, logger: logger}
}

// Download fetches a URL, retrying transient transport errors a fixed
// number of times before giving up.
func (c *Client) Download(rawurl string) ([]byte, error) {
	var lastErr error
	for try := 0; try < downloadTries; try++ {
		resp, err := c.httpc.Get(rawurl)
		if err != nil {
			lastErr = err
			c.logger.Warn("request error, trying again", "url", rawurl, "error", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			c.logger.Warn("request error, trying again", "url", rawurl, "error", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("downloading %s: unexpected status %s", rawurl, resp.Status)
		}
		return body, nil
	}
	return nil, fmt.Errorf("downloading %s: %w", rawurl, lastErr)
}

var gzipMagic = []byte{0x1f, 0x8b}

// DownloadAndUnpack fetches a URL and transparently gunzips the response
// when it is gzip-compressed. Metadata files are usually shipped
// compressed, but repomd.xml itself is not.
func (c *Client) DownloadAndUnpack(rawurl string) ([]byte, error) {
	c.logger.Debug("downloading and unpacking", "url", rawurl)
	body, err := c.Download(rawurl)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", rawurl, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", rawurl, err)
	}
	return data, nil
}

// repomdDoc is the repodata/repomd.xml index.
type repomdDoc struct {
	Data []struct {
		Type     string `xml:"type,attr"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
	} `xml:"data"`
}

// Metadata parses the repository index at baseURL and returns a map of
// metadata type ("primary", "filelists", ...) to absolute file URL.
func (c *Client) Metadata(baseURL string) (map[string]string, error) {
	indexURL, err := joinURL(baseURL, "repodata/repomd.xml")
	if err != nil {
		return nil, err
	}
	raw, err := c.DownloadAndUnpack(indexURL)
	if err != nil {
		return nil, err
	}

	var doc repomdDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing repomd.xml from %s: %w", baseURL, err)
	}

	metadata := make(map[string]string, len(doc.Data))
	for _, d := range doc.Data {
		href, err := joinURL(baseURL, d.Location.Href)
		if err != nil {
			return nil, err
		}
		metadata[d.Type] = href
	}
	return metadata, nil
}

// SourcePackage is one source package advertised by a repository.
type SourcePackage struct {
	Name string
	URL  string
}

// primaryDoc is the primary metadata document listing every package.
type primaryDoc struct {
	Packages []struct {
		Name    string `xml:"name"`
		Arch    string `xml:"arch"`
		Version struct {
			Epoch string `xml:"epoch,attr"`
			Ver   string `xml:"ver,attr"`
			Rel   string `xml:"rel,attr"`
		} `xml:"version"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
	} `xml:"package"`
}

// pkgVersion adapts primary metadata version attributes to the RPM
// version comparison interface.
type pkgVersion struct {
	epoch    int
	ver, rel string
}

func (v pkgVersion) Epoch() int      { return v.epoch }
func (v pkgVersion) Version() string { return v.ver }
func (v pkgVersion) Release() string { return v.rel }

// SourcePackages lists the source (arch == "src") packages of the
// repository at baseURL. When a repository advertises several versions
// of the same package, only the highest one (by RPM
// epoch-version-release comparison) is kept.
func (c *Client) SourcePackages(baseURL string) ([]SourcePackage, error) {
	metadata, err := c.Metadata(baseURL)
	if err != nil {
		return nil, err
	}
	primaryURL, ok := metadata["primary"]
	if !ok {
		return nil, fmt.Errorf("repository at %s has no primary metadata", baseURL)
	}

	raw, err := c.DownloadAndUnpack(primaryURL)
	if err != nil {
		return nil, err
	}
	var doc primaryDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing primary metadata from %s: %w", primaryURL, err)
	}

	type candidate struct {
		pkg     SourcePackage
		version pkgVersion
	}
	best := make(map[string]candidate)
	var order []string

	for _, p := range doc.Packages {
		if p.Arch != "src" {
			continue
		}
		href, err := joinURL(baseURL, p.Location.Href)
		if err != nil {
			return nil, err
		}
		epoch, _ := strconv.Atoi(p.Version.Epoch)
		cand := candidate{
			pkg:     SourcePackage{Name: p.Name, URL: href},
			version: pkgVersion{epoch: epoch, ver: p.Version.Ver, rel: p.Version.Rel},
		}
		current, seen := best[p.Name]
		if !seen {
			best[p.Name] = cand
			order = append(order, p.Name)
			continue
		}
		if rpm.Compare(cand.version, current.version) > 0 {
			best[p.Name] = cand
		}
	}

	packages := make([]SourcePackage, 0, len(order))
	for _, name := range order {
		packages = append(packages, best[name].pkg)
	}
	return packages, nil
}

// joinURL resolves ref against base the way a browser would.
func joinURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing URL reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

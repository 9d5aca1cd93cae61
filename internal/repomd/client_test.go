package repomd

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"patchcrawl/internal/testutil"
)

const repomdXML = `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo">
  <data type="primary">
    <location href="repodata/primary.xml.gz"/>
  </data>
  <data type="filelists">
    <location href="repodata/filelists.xml.gz"/>
  </data>
</repomd>`

const primaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common">
  <package type="rpm">
    <name>foo</name>
    <arch>src</arch>
    <version epoch="0" ver="1.0" rel="1"/>
    <location href="src/foo-1.0-1.src.rpm"/>
  </package>
  <package type="rpm">
    <name>foo</name>
    <arch>src</arch>
    <version epoch="0" ver="1.2" rel="1"/>
    <location href="src/foo-1.2-1.src.rpm"/>
  </package>
  <package type="rpm">
    <name>bar</name>
    <arch>x86_64</arch>
    <version epoch="0" ver="2.0" rel="1"/>
    <location href="x86_64/bar-2.0-1.x86_64.rpm"/>
  </package>
  <package type="rpm">
    <name>baz</name>
    <arch>src</arch>
    <version epoch="1" ver="0.5" rel="3"/>
    <location href="src/baz-0.5-3.src.rpm"/>
  </package>
</metadata>`

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("compressing fixture: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("compressing fixture: %v", err)
	}
	return buf.Bytes()
}

func newRepoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repodata/repomd.xml":
			w.Write([]byte(repomdXML))
		case "/repodata/primary.xml.gz":
			w.Write(gzipBytes(t, primaryXML))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Metadata(t *testing.T) {
	srv := newRepoServer(t)
	c := NewClient(srv.Client(), nil)

	metadata, err := c.Metadata(srv.URL + "/")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	if got, want := metadata["primary"], srv.URL+"/repodata/primary.xml.gz"; got != want {
		t.Errorf("primary = %q, want %q", got, want)
	}
	if got, want := metadata["filelists"], srv.URL+"/repodata/filelists.xml.gz"; got != want {
		t.Errorf("filelists = %q, want %q", got, want)
	}
}

func TestClient_SourcePackages(t *testing.T) {
	srv := newRepoServer(t)
	c := NewClient(srv.Client(), nil)

	packages, err := c.SourcePackages(srv.URL + "/")
	if err != nil {
		t.Fatalf("SourcePackages() error = %v", err)
	}

	// bar is not a source package; the two foo versions collapse to the
	// highest one.
	if len(packages) != 2 {
		t.Fatalf("got %d packages %v, want 2", len(packages), packages)
	}
	if packages[0].Name != "foo" || !strings.HasSuffix(packages[0].URL, "src/foo-1.2-1.src.rpm") {
		t.Errorf("first package = %+v, want foo at version 1.2", packages[0])
	}
	if packages[1].Name != "baz" || !strings.HasSuffix(packages[1].URL, "src/baz-0.5-3.src.rpm") {
		t.Errorf("second package = %+v, want baz", packages[1])
	}
}

func TestClient_DownloadAndUnpack_PlainPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain contents"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	data, err := c.DownloadAndUnpack(srv.URL + "/file")
	if err != nil {
		t.Fatalf("DownloadAndUnpack() error = %v", err)
	}
	if string(data) != "plain contents" {
		t.Errorf("data = %q, want passthrough of non-gzip body", data)
	}
}

func TestClient_DownloadAndUnpack_Gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipBytes(t, "compressed contents"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	data, err := c.DownloadAndUnpack(srv.URL + "/file.gz")
	if err != nil {
		t.Fatalf("DownloadAndUnpack() error = %v", err)
	}
	if string(data) != "compressed contents" {
		t.Errorf("data = %q, want gunzipped body", data)
	}
}

// flakyTransport fails the first n requests at the transport level.
type flakyTransport struct {
	failures int
	inner    http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.inner.RoundTrip(r)
}

func TestClient_Download_RetriesTransientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	logger := testutil.NewRecordingLogger()
	httpc := &http.Client{Transport: &flakyTransport{failures: 2, inner: http.DefaultTransport}}
	c := NewClient(httpc, logger)

	data, err := c.Download(srv.URL + "/file")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != "eventually" {
		t.Errorf("data = %q", data)
	}
	if warns := logger.Messages("WARN"); len(warns) != 2 {
		t.Errorf("got %d retry warnings, want 2", len(warns))
	}
}

func TestClient_Download_GivesUpAfterBoundedTries(t *testing.T) {
	httpc := &http.Client{Transport: &flakyTransport{failures: 100, inner: http.DefaultTransport}}
	c := NewClient(httpc, nil)

	if _, err := c.Download("http://unreachable.invalid/file"); err == nil {
		t.Fatal("Download() = nil error, want failure after bounded retries")
	}
}

func TestClient_Download_NoRetryOnHTTPError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	if _, err := c.Download(srv.URL + "/file"); err == nil {
		t.Fatal("Download() = nil error on HTTP 404")
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (HTTP errors are not transient)", calls)
	}
}

// Package bugzilla is a minimal client for the Bugzilla REST API,
// covering the two calls the patch crawler needs: a custom search for
// recently modified bugs with patch attachments, and per-bug attachment
// retrieval.
package bugzilla

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"patchcrawl/internal/crawl"
	"patchcrawl/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client talks to a single Bugzilla instance, optionally authenticated
// with an API key.
type Client struct {
	base   *url.URL
	apiKey string
	httpc  *http.Client
	logger crawl.Logger
}

var _ crawl.Tracker = (*Client)(nil)

// NewClient creates a client for the given instance URL
// (e.g. https://bugzilla.opensuse.org). apiKey may be empty for
// anonymous access. A nil httpc falls back to a client with a sane
// timeout; a nil logger discards output.
func NewClient(instance, apiKey string, httpc *http.Client, logger crawl.Logger) (*Client, error) {
	base, err := url.Parse(instance)
	if err != nil {
		return nil, fmt.Errorf("parsing instance URL %q: %w", instance, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("instance URL %q is missing a scheme or host", instance)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = crawl.NewNopLogger()
	}
	return &Client{base: base, apiKey: apiKey, httpc: httpc, logger: logger}, nil
}

// QueryBugsWithPatches runs a custom search for bugs modified within the
// last `days` days that carry at least one patch attachment.
func (c *Client) QueryBugsWithPatches(days int) ([]model.Bug, error) {
	params := url.Values{}
	params.Set("f1", "days_elapsed")
	params.Set("o1", "lessthaneq")
	params.Set("v1", strconv.Itoa(days))
	params.Set("f2", "attachments.ispatch")
	params.Set("o2", "equals")
	params.Set("v2", "1")
	params.Set("include_fields", "id,weburl")

	var payload struct {
		Bugs []struct {
			ID     int    `json:"id"`
			WebURL string `json:"weburl"`
		} `json:"bugs"`
	}
	if err := c.get("rest/bug", params, &payload); err != nil {
		return nil, err
	}

	bugs := make([]model.Bug, 0, len(payload.Bugs))
	for _, b := range payload.Bugs {
		bugs = append(bugs, model.Bug{ID: b.ID, WebURL: b.WebURL})
	}
	return bugs, nil
}

// wireAttachment is the attachment shape on the wire. Data arrives
// base64-encoded; encoding/json decodes it into the []byte directly.
type wireAttachment struct {
	IsPatch        int    `json:"is_patch"`
	FileName       string `json:"file_name"`
	Data           []byte `json:"data"`
	LastChangeTime string `json:"last_change_time"`
}

// Attachments fetches all attachments of a bug, decoding contents and
// change times once at this boundary. An HTTP 429 response is reported
// as an error wrapping crawl.ErrThrottled.
func (c *Client) Attachments(bugID int) ([]model.Attachment, error) {
	var payload struct {
		Bugs map[string][]wireAttachment `json:"bugs"`
	}
	if err := c.get("rest/bug/"+strconv.Itoa(bugID)+"/attachment", url.Values{}, &payload); err != nil {
		return nil, err
	}

	wire := payload.Bugs[strconv.Itoa(bugID)]
	attachments := make([]model.Attachment, 0, len(wire))
	for _, a := range wire {
		lastChange, err := parseChangeTime(a.LastChangeTime)
		if err != nil {
			return nil, fmt.Errorf("attachment %q on bug %d: %w", a.FileName, bugID, err)
		}
		attachments = append(attachments, model.Attachment{
			IsPatch:        a.IsPatch != 0,
			FileName:       a.FileName,
			Data:           a.Data,
			LastChangeTime: lastChange,
		})
	}
	return attachments, nil
}

// parseChangeTime accepts the two timestamp shapes Bugzilla deployments
// emit: RFC 3339 and the XML-RPC style without separators.
func parseChangeTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "20060102T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized last_change_time %q", value)
}

// get performs a GET against the instance and decodes the JSON response.
func (c *Client) get(path string, params url.Values, out any) error {
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	u.RawQuery = params.Encode()

	c.logger.Debug("bugzilla request", "path", path)
	resp, err := c.httpc.Get(u.String())
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", path, crawl.ErrThrottled)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

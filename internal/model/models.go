package model

import (
	"database/sql"
	"time"
)

// TimestampLayout is the format patch timestamps are stored in:
// ISO 8601 with a space separator, seconds precision.
const TimestampLayout = "2006-01-02 15:04:05"

// Patch is a stored patch record as it lives in the database.
// Content holds the base64-encoded bytes; use store.DecodeContent to
// recover the original file contents.
type Patch struct {
	Filename  string // Original filename of the patch
	Content   []byte // Base64-encoded patch contents
	Checksum  string // "sha256:<hex>" over the encoded contents
	Producer  string // Name of the crawler that found the patch
	Origin    string // Where the patch came from (e.g. a bug URL)
	Timestamp string // TimestampLayout-formatted reference time
}

// Bug is a handle to a tracker bug returned by a query.
type Bug struct {
	ID     int    // Tracker-assigned bug number
	WebURL string // Human-facing URL for the bug
}

// Attachment is a bug attachment, decoded and validated once at the
// tracker boundary. Data holds the raw (not base64) bytes.
type Attachment struct {
	IsPatch        bool
	FileName       string
	Data           []byte
	LastChangeTime time.Time
}

// CrawlRun records a single non-debounced crawl invocation.
type CrawlRun struct {
	ID           string // UUID
	Crawler      string // Crawler name
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	PatchesAdded int64
	Status       string // "running", "ok", "failed" or "retry-exhausted"
}

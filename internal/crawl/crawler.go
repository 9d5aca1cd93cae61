package crawl

import (
	"errors"
	"time"

	"patchcrawl/internal/model"
)

// Crawler discovers patches on some remote source and writes them into a
// patch store. Concrete crawlers are selected at construction time.
type Crawler interface {
	// Name identifies the crawler instance; it is recorded as the
	// producer of every patch it stores.
	Name() string

	// Crawl performs one crawl pass. Implementations decide how much
	// work a single pass covers.
	Crawl() error
}

// Store is the subset of the patch store the crawlers depend on.
type Store interface {
	// Add upserts a patch. It returns (false, nil) when the patch was
	// rejected by validation (non-fatal, already logged) and a non-nil
	// error only on storage failure.
	Add(filename string, content []byte, producer, origin, timestamp string) (bool, error)

	// StartCrawlRun records the beginning of a crawl invocation.
	StartCrawlRun(crawler string, startedAt time.Time) (*model.CrawlRun, error)

	// FinishCrawlRun closes out a crawl invocation record.
	FinishCrawlRun(id, status string, added int, finishedAt time.Time) error
}

// Tracker is a remote bug tracker queried by the Bugzilla crawler.
type Tracker interface {
	// QueryBugsWithPatches returns bugs modified within the last `days`
	// days that carry at least one patch attachment.
	QueryBugsWithPatches(days int) ([]model.Bug, error)

	// Attachments fetches all attachments of a bug. It returns an error
	// wrapping ErrThrottled when the tracker is rate-limiting requests.
	Attachments(bugID int) ([]model.Attachment, error)
}

// ErrThrottled is returned (wrapped) by a Tracker when the remote side
// rate-limits the request. Throttled fetches are retried with backoff.
var ErrThrottled = errors.New("tracker throttled the request")

// ErrRetryExhausted is returned (wrapped) by Crawl when a throttled fetch
// keeps failing past the configured attempt ceiling.
var ErrRetryExhausted = errors.New("throttling retries exhausted")

// Clock abstracts time retrieval so crawl scheduling is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Logger provides structured logging for the crawl and store layers.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

package crawl

import (
	"errors"
	"fmt"
	"time"

	"patchcrawl/internal/model"
)

// minCrawlInterval debounces crawl invocations: anything more frequent
// than this is a no-op, so an external scheduler can fire liberally.
const minCrawlInterval = time.Hour

// Backoff controls the retry behavior for throttled attachment fetches.
// The delay starts at Initial and doubles after every throttled attempt.
type Backoff struct {
	Initial     time.Duration
	MaxAttempts int

	// Sleep is called between attempts. Defaults to time.Sleep;
	// tests substitute it to avoid real delays.
	Sleep func(time.Duration)
}

// DefaultBackoff matches the tracker's usual throttle window: five
// attempts starting at one second gives the remote side ~30s to recover.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, MaxAttempts: 5}
}

// Bugzilla incrementally crawls a Bugzilla instance for bugs carrying
// patch attachments and stores the attachments it has not seen yet.
//
// The watermark marks the instant the last successful crawl started.
// It sizes the query window and filters out attachments whose last
// change is at or before it. Crawl is not safe for concurrent use;
// callers are expected to serialize invocations.
type Bugzilla struct {
	name      string
	store     Store
	tracker   Tracker
	logger    Logger
	clock     Clock
	backoff   Backoff
	watermark time.Time
}

var _ Crawler = (*Bugzilla)(nil)

// NewBugzilla creates a Bugzilla crawler with the given watermark seed.
// A nil logger or clock falls back to NopLogger / RealClock.
func NewBugzilla(store Store, tracker Tracker, logger Logger, clock Clock, watermark time.Time, backoff Backoff) *Bugzilla {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if backoff.Initial <= 0 {
		backoff.Initial = time.Second
	}
	if backoff.MaxAttempts <= 0 {
		backoff.MaxAttempts = 5
	}
	if backoff.Sleep == nil {
		backoff.Sleep = time.Sleep
	}
	return &Bugzilla{
		name:      "Bugzilla patch crawler",
		store:     store,
		tracker:   tracker,
		logger:    logger,
		clock:     clock,
		backoff:   backoff,
		watermark: watermark,
	}
}

func (c *Bugzilla) Name() string { return c.name }

// Watermark returns the start time of the last successful crawl.
func (c *Bugzilla) Watermark() time.Time { return c.watermark }

// Crawl performs one incremental pass over the tracker.
//
// The new watermark is captured here, before any network traffic, and
// only committed after the whole bug queue drains. A failed run leaves
// the watermark untouched so the next invocation re-covers the window.
// Attachments changed while this run executes are re-fetched next time
// and absorbed by the store's idempotent upsert.
func (c *Bugzilla) Crawl() error {
	newts := c.clock.Now()
	elapsed := newts.Sub(c.watermark)
	if elapsed < minCrawlInterval {
		c.logger.Info("not an hour has passed since last crawled, not doing anything")
		return nil
	}

	c.logger.Info("start crawling")
	run, err := c.store.StartCrawlRun(c.name, newts)
	if err != nil {
		return fmt.Errorf("recording crawl run: %w", err)
	}

	total, err := c.drainBugs(elapsed)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrRetryExhausted) {
			status = "retry-exhausted"
		}
		if ferr := c.store.FinishCrawlRun(run.ID, status, total, c.clock.Now()); ferr != nil {
			c.logger.Error("finishing crawl run record", "error", ferr)
		}
		return err
	}

	if err := c.store.FinishCrawlRun(run.ID, "ok", total, c.clock.Now()); err != nil {
		c.logger.Error("finishing crawl run record", "error", err)
	}
	c.logger.Info("done crawling", "added", total)
	c.watermark = newts
	return nil
}

// drainBugs queries the window and works through the bug list as a FIFO
// queue, returning the number of patches stored.
func (c *Bugzilla) drainBugs(elapsed time.Duration) (int, error) {
	days := int(elapsed.Hours()/24) + 1
	bugs, err := c.tracker.QueryBugsWithPatches(days)
	if err != nil {
		return 0, fmt.Errorf("querying bugs: %w", err)
	}
	c.logger.Info("found bugs with patch attachments", "bugs", len(bugs), "window_days", days)

	total := 0
	for len(bugs) > 0 {
		bug := bugs[0]
		attachments, err := c.fetchAttachments(bug)
		if err != nil {
			return total, err
		}
		bugs = bugs[1:]

		for _, att := range attachments {
			if !att.IsPatch {
				continue
			}
			// Strict > filter: equal-timestamp attachments were
			// covered by the previous run.
			if !att.LastChangeTime.After(c.watermark) {
				continue
			}
			stored, err := c.store.Add(
				att.FileName,
				att.Data,
				c.name,
				bug.WebURL,
				att.LastChangeTime.Format(model.TimestampLayout),
			)
			if err != nil {
				return total, fmt.Errorf("storing attachment %q from bug %d: %w", att.FileName, bug.ID, err)
			}
			if stored {
				total++
			}
		}
	}
	return total, nil
}

// fetchAttachments fetches one bug's attachments, retrying throttled
// responses with exponential backoff up to the attempt ceiling.
func (c *Bugzilla) fetchAttachments(bug model.Bug) ([]model.Attachment, error) {
	delay := c.backoff.Initial
	for attempt := 1; ; attempt++ {
		attachments, err := c.tracker.Attachments(bug.ID)
		if err == nil {
			return attachments, nil
		}
		if !errors.Is(err, ErrThrottled) {
			return nil, fmt.Errorf("fetching attachments for bug %d: %w", bug.ID, err)
		}
		if attempt >= c.backoff.MaxAttempts {
			return nil, fmt.Errorf("bug %d: %w after %d attempts", bug.ID, ErrRetryExhausted, attempt)
		}
		c.logger.Warn("tracker is throttling requests, backing off",
			"bug", bug.ID, "attempt", attempt, "delay", delay.String())
		c.backoff.Sleep(delay)
		delay *= 2
	}
}

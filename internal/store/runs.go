package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"patchcrawl/internal/model"
)

// StartCrawlRun records the beginning of a crawl invocation and returns
// the created record with status "running".
func (s *Store) StartCrawlRun(crawler string, startedAt time.Time) (*model.CrawlRun, error) {
	run := &model.CrawlRun{
		ID:        uuid.New().String(),
		Crawler:   crawler,
		StartedAt: startedAt,
		Status:    "running",
	}
	_, err := s.db.Exec(
		`INSERT INTO crawl_runs (id, crawler, started_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Crawler, run.StartedAt, run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("recording crawl run: %w", err)
	}
	return run, nil
}

// FinishCrawlRun closes out a crawl run record with its final status and
// patch count.
func (s *Store) FinishCrawlRun(id, status string, added int, finishedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE crawl_runs SET finished_at = ?, status = ?, patches_added = ? WHERE id = ?`,
		finishedAt, status, added, id,
	)
	if err != nil {
		return fmt.Errorf("finishing crawl run %s: %w", id, err)
	}
	return nil
}

// ListCrawlRuns returns the most recent crawl runs, newest first.
func (s *Store) ListCrawlRuns(limit int) ([]model.CrawlRun, error) {
	rows, err := s.db.Query(
		`SELECT id, crawler, started_at, finished_at, patches_added, status
		 FROM crawl_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []model.CrawlRun
	for rows.Next() {
		var r model.CrawlRun
		if err := rows.Scan(&r.ID, &r.Crawler, &r.StartedAt, &r.FinishedAt, &r.PatchesAdded, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning crawl run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating crawl run rows: %w", err)
	}
	return runs, nil
}

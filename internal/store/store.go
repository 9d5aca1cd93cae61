package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"patchcrawl/internal/crawl"
	"patchcrawl/internal/model"
	"patchcrawl/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store is a SQLite-backed, deduplicated patch store. Patch contents are
// kept base64-encoded along with a checksum over the encoded form, so the
// checksum can be compared against the stored bytes without decoding.
//
// Every call issues its own implicit transaction; no cross-call
// transaction is exposed.
type Store struct {
	db     *sql.DB
	path   string
	logger crawl.Logger
	clock  crawl.Clock
}

// Open opens (creating if needed) a patch store at path and brings its
// schema up to date. path can be ":memory:" for tests. A nil logger or
// clock falls back to NopLogger / RealClock.
func Open(path string, logger crawl.Logger, clock crawl.Clock) (*Store, error) {
	if logger == nil {
		logger = crawl.NewNopLogger()
	}
	if clock == nil {
		clock = crawl.RealClock{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening patch store at %s: %w", path, err)
	}

	// The store is single-writer by design, and a pool of more than one
	// connection would split an in-memory database across connections.
	db.SetMaxOpenConns(1)

	// SQLite ships with foreign keys off for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating patch store schema: %w", err)
	}

	logger.Info("patch store ready", "path", path)
	return &Store{db: db, path: path, logger: logger, clock: clock}, nil
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ComputeChecksum fingerprints base64-encoded patch contents as
// "sha256:<hex digest>".
func ComputeChecksum(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// isPatchFilename reports whether the filename's extension indicates a
// patch/diff file.
func isPatchFilename(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".patch", ".diff":
		return true
	}
	return false
}

// timestampLayouts are the ISO 8601 shapes accepted by Add, most
// specific first.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	model.TimestampLayout,
	"2006-01-02",
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %s (expects ISO 8601)", value)
}

// Add upserts a patch keyed by (filename, producer, origin).
//
// Validation runs in strict order; the first failure is logged with its
// own reason and Add returns (false, nil) — validation failures are
// non-fatal to callers. timestamp may be empty, in which case the
// current wall-clock time is recorded. A caller-supplied timestamp is
// accepted even if older than the stored one: the tracker's change time
// is authoritative and the store mirrors it.
//
// A non-nil error is returned only when the database itself fails.
func (s *Store) Add(filename string, content []byte, producer, origin, timestamp string) (bool, error) {
	if filename == "" {
		s.logger.Error("storing a patch requires a filename to identify the patch")
		return false, nil
	}
	if !isPatchFilename(filename) {
		s.logger.Error("filename does not match that of a patch file", "filename", filename)
		return false, nil
	}
	if len(content) == 0 {
		s.logger.Error("empty patch contents", "filename", filename)
		return false, nil
	}
	if producer == "" {
		s.logger.Error("empty producer", "filename", filename)
		return false, nil
	}
	if origin == "" {
		s.logger.Error("empty origin", "filename", filename)
		return false, nil
	}

	var ts time.Time
	if timestamp != "" {
		parsed, err := parseTimestamp(timestamp)
		if err != nil {
			s.logger.Error("invalid timestamp format (expects ISO 8601)", "timestamp", timestamp)
			return false, nil
		}
		ts = parsed
	} else {
		ts = s.clock.Now()
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(content)))
	base64.StdEncoding.Encode(encoded, content)
	checksum := ComputeChecksum(encoded)
	stamp := ts.Format(model.TimestampLayout)

	exists, err := s.Exists(filename, producer, origin)
	if err != nil {
		return false, err
	}

	if !exists {
		_, err = s.db.Exec(
			`INSERT INTO patches (filename, content, checksum, producer, origin, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			filename, encoded, checksum, producer, origin, stamp,
		)
		if err != nil {
			return false, fmt.Errorf("inserting patch %q: %w", filename, err)
		}
		s.logger.Info("stored new patch", "filename", filename, "origin", origin)
	} else {
		_, err = s.db.Exec(
			`UPDATE patches SET content = ?, checksum = ?, timestamp = ?
			 WHERE filename = ? AND producer = ? AND origin = ?`,
			encoded, checksum, stamp, filename, producer, origin,
		)
		if err != nil {
			return false, fmt.Errorf("updating patch %q: %w", filename, err)
		}
		s.logger.Info("updated existing patch", "filename", filename, "producer", producer, "origin", origin)
	}

	return true, nil
}

// Exists reports whether a patch with the given key is in the store.
func (s *Store) Exists(filename, producer, origin string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM patches WHERE filename = ? AND producer = ? AND origin = ?`,
		filename, producer, origin,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking for existing patch: %w", err)
	}
	return true, nil
}

// SearchByFilename returns all patches with an exact filename match.
// Result ordering is unspecified.
func (s *Store) SearchByFilename(filename string) ([]model.Patch, error) {
	return s.search(`SELECT filename, content, checksum, producer, origin, timestamp
		FROM patches WHERE filename = ?`, filename)
}

// SearchByProducer returns all patches with an exact producer match.
func (s *Store) SearchByProducer(producer string) ([]model.Patch, error) {
	return s.search(`SELECT filename, content, checksum, producer, origin, timestamp
		FROM patches WHERE producer = ?`, producer)
}

// SearchByOrigin returns all patches whose origin starts with the given
// prefix.
func (s *Store) SearchByOrigin(prefix string) ([]model.Patch, error) {
	return s.search(`SELECT filename, content, checksum, producer, origin, timestamp
		FROM patches WHERE origin LIKE ? || '%'`, prefix)
}

// SearchByContent returns all patches whose contents are byte-equal to
// the given raw contents. The match is done on the checksum of the
// base64-encoded form; there is no similarity search.
func (s *Store) SearchByContent(content []byte) ([]model.Patch, error) {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(content)))
	base64.StdEncoding.Encode(encoded, content)
	return s.search(`SELECT filename, content, checksum, producer, origin, timestamp
		FROM patches WHERE checksum = ?`, ComputeChecksum(encoded))
}

func (s *Store) search(query string, args ...any) ([]model.Patch, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching patches: %w", err)
	}
	defer rows.Close()

	var patches []model.Patch
	for rows.Next() {
		var p model.Patch
		if err := rows.Scan(&p.Filename, &p.Content, &p.Checksum, &p.Producer, &p.Origin, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning patch row: %w", err)
		}
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patch rows: %w", err)
	}
	return patches, nil
}

// DecodeContent reverses the base64 encoding of a retrieved patch.
func DecodeContent(p model.Patch) ([]byte, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(p.Content)))
	n, err := base64.StdEncoding.Decode(decoded, p.Content)
	if err != nil {
		return nil, fmt.Errorf("decoding patch contents for %q: %w", p.Filename, err)
	}
	return decoded[:n], nil
}

// Compile-time check that Store satisfies the crawler's store contract.
var _ crawl.Store = (*Store)(nil)

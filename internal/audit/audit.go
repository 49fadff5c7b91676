package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/ctxwin/internal/compact"
	"github.com/basket/ctxwin/internal/prune"
	"github.com/basket/ctxwin/internal/shared"
	"github.com/basket/ctxwin/internal/window"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ctxwin-v1-reductions"

	OperationPrune   = "prune"
	OperationCompact = "compact"
)

// ErrNoArchive is returned by Archived for events that removed nothing.
var ErrNoArchive = errors.New("no archived items for event")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Event is one journaled prune or compact operation.
type Event struct {
	ID               int64
	SessionID        string
	TraceID          string
	Operation        string
	Strategy         string
	ItemIDs          []uint64
	TokensBefore     int
	TokensAfter      int
	TokensFreed      int
	CompressionRatio float64
	SummaryID        uint64
	Summarizer       string
	Digest           string
	Error            string
	ErrorClass       string
	CreatedAt        time.Time
}

// ArchivedItem is the stored form of an item a reduction took out of the
// window.
type ArchivedItem struct {
	ID         uint64    `cbor:"id"`
	Kind       string    `cbor:"kind"`
	Content    string    `cbor:"content"`
	Tokens     int       `cbor:"tokens"`
	Estimated  bool      `cbor:"estimated,omitempty"`
	CreatedAt  time.Time `cbor:"created_at"`
	Pinned     bool      `cbor:"pinned,omitempty"`
	Importance float64   `cbor:"importance"`
}

// Summary aggregates the journal for one session.
type Summary struct {
	Prunes      int
	Compactions int
	Failures    int
	TokensFreed int
}

// Journal records reductions in SQLite. The zero value is not usable;
// a nil *Journal ignores every call so callers need no guard.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// DefaultPath returns <homeDir>/audit.db.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, "audit.db")
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("audit journal path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("journal schema checksum mismatch: %q", checksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reduction_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL CHECK (operation IN ('prune', 'compact')),
			strategy TEXT NOT NULL DEFAULT '',
			item_ids TEXT NOT NULL DEFAULT '[]',
			tokens_before INTEGER NOT NULL DEFAULT 0,
			tokens_after INTEGER NOT NULL DEFAULT 0,
			tokens_freed INTEGER NOT NULL DEFAULT 0,
			compression_ratio REAL NOT NULL DEFAULT 0,
			summary_id INTEGER NOT NULL DEFAULT 0,
			summarizer TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create reduction_events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_reduction_events_session
		ON reduction_events (session_id, id);
	`); err != nil {
		return fmt.Errorf("create reduction_events index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS archived_items (
			event_id INTEGER PRIMARY KEY REFERENCES reduction_events(id) ON DELETE CASCADE,
			item_count INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create archived_items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// RecordPrune journals a prune result. Results that removed nothing are
// skipped and return id 0.
func (j *Journal) RecordPrune(ctx context.Context, sessionID string, res prune.Result) (int64, error) {
	if j == nil || len(res.ItemsRemoved) == 0 {
		return 0, nil
	}
	ev := Event{
		SessionID:    sessionID,
		Operation:    OperationPrune,
		Strategy:     string(res.Strategy),
		ItemIDs:      res.ItemsRemoved,
		TokensBefore: res.TokensBefore,
		TokensAfter:  res.TokensAfter,
		TokensFreed:  res.TokensFreed,
	}
	return j.Record(ctx, ev, res.Removed)
}

// RecordCompact journals a compaction, successful or not. A result with no
// span and no error is skipped.
func (j *Journal) RecordCompact(ctx context.Context, sessionID string, res compact.Result) (int64, error) {
	if j == nil || (!res.Compacted() && res.Err == nil) {
		return 0, nil
	}
	ev := Event{
		SessionID:        sessionID,
		Operation:        OperationCompact,
		Strategy:         "summary",
		ItemIDs:          res.ItemsCompacted,
		TokensBefore:     res.OriginalTokens,
		TokensAfter:      res.SummaryTokens,
		TokensFreed:      res.TokensSaved,
		CompressionRatio: res.CompressionRatio,
		SummaryID:        res.Summary.ID,
		ErrorClass:       string(res.ErrorClass),
	}
	if res.Summary.Provenance != nil {
		ev.Summarizer = res.Summary.Provenance.Summarizer
		ev.Digest = res.Summary.Provenance.Digest
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return j.Record(ctx, ev, res.Replaced)
}

// Record inserts ev and archives removed in a single transaction.
func (j *Journal) Record(ctx context.Context, ev Event, removed []window.Item) (int64, error) {
	if j == nil {
		return 0, nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = j.now()
	}
	if ev.SessionID == "" {
		ev.SessionID = shared.SessionID(ctx)
	}
	// Requests without a trace share the session's.
	if ev.TraceID == "" {
		ev.TraceID = shared.TraceID(ctx)
		if ev.TraceID == "-" {
			ev.TraceID = ev.SessionID
		}
	}
	ev.Error = shared.Redact(ev.Error)
	if ev.ItemIDs == nil {
		ev.ItemIDs = []uint64{}
	}
	ids, err := json.Marshal(ev.ItemIDs)
	if err != nil {
		return 0, fmt.Errorf("encode item ids: %w", err)
	}
	var payload []byte
	if len(removed) > 0 {
		payload, err = encMode.Marshal(archive(removed))
		if err != nil {
			return 0, fmt.Errorf("encode archived items: %w", err)
		}
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin journal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		out, err := tx.ExecContext(ctx, `
			INSERT INTO reduction_events (
				session_id, trace_id, operation, strategy, item_ids, tokens_before, tokens_after,
				tokens_freed, compression_ratio, summary_id, summarizer, digest,
				error, error_class, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.SessionID, ev.TraceID, ev.Operation, ev.Strategy, string(ids), ev.TokensBefore, ev.TokensAfter,
			ev.TokensFreed, ev.CompressionRatio, int64(ev.SummaryID), ev.Summarizer, ev.Digest,
			ev.Error, ev.ErrorClass, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reduction event: %w", err)
		}
		id, err = out.LastInsertId()
		if err != nil {
			return fmt.Errorf("reduction event id: %w", err)
		}
		if payload != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO archived_items (event_id, item_count, payload) VALUES (?, ?, ?);
			`, id, len(removed), payload); err != nil {
				return fmt.Errorf("insert archived items: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		j.logger.Warn("audit journal write failed",
			"session_id", ev.SessionID, "operation", ev.Operation, "error", err)
		return 0, err
	}
	return id, nil
}

func archive(items []window.Item) []ArchivedItem {
	out := make([]ArchivedItem, 0, len(items))
	for _, it := range items {
		out = append(out, ArchivedItem{
			ID:         it.ID,
			Kind:       string(it.Kind),
			Content:    it.Content,
			Tokens:     it.Tokens,
			Estimated:  it.Estimated,
			CreatedAt:  it.CreatedAt.UTC(),
			Pinned:     it.Pinned,
			Importance: it.Importance,
		})
	}
	return out
}

// Events returns the journal entries of a session, oldest first. A limit
// of zero or less returns them all.
func (j *Journal) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, trace_id, operation, strategy, item_ids, tokens_before, tokens_after,
			tokens_freed, compression_ratio, summary_id, summarizer, digest, error,
			error_class, created_at
		FROM reduction_events
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reduction events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			ids       string
			summaryID int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TraceID, &ev.Operation, &ev.Strategy, &ids,
			&ev.TokensBefore, &ev.TokensAfter, &ev.TokensFreed, &ev.CompressionRatio,
			&summaryID, &ev.Summarizer, &ev.Digest, &ev.Error, &ev.ErrorClass, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reduction event: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &ev.ItemIDs); err != nil {
			return nil, fmt.Errorf("decode item ids of event %d: %w", ev.ID, err)
		}
		ev.SummaryID = uint64(summaryID)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reduction event rows: %w", err)
	}
	return out, nil
}

// Archived returns the items removed or replaced by an event.
func (j *Journal) Archived(ctx context.Context, eventID int64) ([]ArchivedItem, error) {
	if j == nil {
		return nil, ErrNoArchive
	}
	var payload []byte
	err := j.db.QueryRowContext(ctx, `
		SELECT payload FROM archived_items WHERE event_id = ?;
	`, eventID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("read archived items: %w", err)
	}
	var items []ArchivedItem
	if err := decMode.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode archived items of event %d: %w", eventID, err)
	}
	return items, nil
}

// SessionSummary aggregates the journal entries of one session.
func (j *Journal) SessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	var s Summary
	if j == nil {
		return s, nil
	}
	err := j.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN operation = 'prune' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN operation = 'compact' AND error = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_freed), 0)
		FROM reduction_events
		WHERE session_id = ?;
	`, sessionID).Scan(&s.Prunes, &s.Compactions, &s.Failures, &s.TokensFreed)
	if err != nil {
		return s, fmt.Errorf("summarize journal: %w", err)
	}
	return s, nil
}

// TotalEventCount returns the number of journal entries across sessions.
func (j *Journal) TotalEventCount(ctx context.Context) (int64, error) {
	if j == nil {
		return 0, nil
	}
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reduction_events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal events: %w", err)
	}
	return n, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with
// exponential backoff and bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

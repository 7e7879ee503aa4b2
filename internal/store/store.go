// Package store implements C6: durable persistence for targets, folders,
// change events, and the per-principal read/star/subscription records,
// backed by a pure-Go SQLite driver opened in WAL mode for concurrent
// reads while the scheduler's workers write events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/use-agent/watcher/internal/model"
	"github.com/use-agent/watcher/internal/watchererr"
)

// Store wraps a *sql.DB with the watcher's schema and query set.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and
// applies the schema.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "open database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "ping database", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id TEXT
	);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		url TEXT NOT NULL,
		description TEXT,
		config TEXT NOT NULL,
		interval TEXT NOT NULL,
		alert_policy TEXT NOT NULL,
		intent_description TEXT,
		enable_summary INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1,
		status TEXT NOT NULL,
		visibility TEXT NOT NULL,
		slug TEXT UNIQUE,
		folder_id TEXT,
		last_scrape_at INTEGER,
		last_scrape_end INTEGER,
		last_error TEXT,
		consecutive_errors INTEGER DEFAULT 0,
		current_state TEXT,
		last_alert_state TEXT,
		next_due_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY(folder_id) REFERENCES folders(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_targets_owner ON targets(owner_id);
	CREATE INDEX IF NOT EXISTS idx_targets_slug ON targets(slug);

	CREATE TABLE IF NOT EXISTS change_events (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		permalink TEXT,
		ai_summary TEXT,
		prior_state TEXT,
		current_state TEXT,
		diff_fingerprint TEXT NOT NULL,
		FOREIGN KEY(target_id) REFERENCES targets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_events_target_time ON change_events(target_id, timestamp DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON change_events(target_id, diff_fingerprint, timestamp);

	CREATE TABLE IF NOT EXISTS read_states (
		principal_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		read INTEGER DEFAULT 0,
		read_at INTEGER,
		star INTEGER DEFAULT 0,
		star_at INTEGER,
		PRIMARY KEY (principal_id, event_id),
		FOREIGN KEY(event_id) REFERENCES change_events(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		principal_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (principal_id, target_id),
		FOREIGN KEY(target_id) REFERENCES targets(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "apply schema", err)
	}
	return nil
}

// InsertResult distinguishes a freshly inserted event from a duplicate
// rejected by the (target_id, diff_fingerprint, timestamp-bucket) unique
// index.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// InsertEvent durably records a change event. Duplicate detection buckets
// the timestamp to the minute so that two processes racing to detect the
// same transition within the same bucket collapse to one row.
func (s *Store) InsertEvent(ctx context.Context, e *model.ChangeEvent) (InsertResult, error) {
	bucketed := e.Timestamp.Truncate(time.Minute)

	priorJSON, _ := json.Marshal(e.PriorState)
	currentJSON, _ := json.Marshal(e.CurrentState)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_events
			(id, target_id, timestamp, title, description, permalink, ai_summary, prior_state, current_state, diff_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TargetID, bucketed.Unix(), e.Title, e.Description, e.Permalink, e.AISummary,
		string(priorJSON), string(currentJSON), e.DiffFingerprint,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Duplicate, nil
		}
		return Inserted, watchererr.New(watchererr.KindInternal, "insert change event", err)
	}
	return Inserted, nil
}

// AttachSummary patches an already-persisted event with the AI
// collaborator's one-sentence summary, produced after the fact per §4.3.
func (s *Store) AttachSummary(ctx context.Context, eventID, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE change_events SET ai_summary = ? WHERE id = ?`, summary, eventID)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "attach change summary", err)
	}
	return nil
}

// EventPage is one page of a keyset-paginated event listing.
type EventPage struct {
	Events     []*model.ChangeEvent
	NextCursor string
	HasMore    bool
}

// ListEvents returns events for targetID older than cursor (a timestamp in
// RFC3339Nano form), newest-first, bounded by limit. An empty cursor starts
// from the most recent event.
func (s *Store) ListEvents(ctx context.Context, targetID, cursor string, limit int) (*EventPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var before time.Time
	if cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, watchererr.New(watchererr.KindInvalidInput, "invalid cursor", err)
		}
		before = parsed
	} else {
		before = time.Now().Add(time.Hour) // effectively "now or later"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_id, timestamp, title, description, permalink, ai_summary, prior_state, current_state, diff_fingerprint
		FROM change_events
		WHERE target_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		targetID, before.Unix(), limit+1,
	)
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "list events", err)
	}
	defer rows.Close()

	var events []*model.ChangeEvent
	for rows.Next() {
		e, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, watchererr.New(watchererr.KindInternal, "scan event", scanErr)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "iterate events", err)
	}

	page := &EventPage{}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	page.Events = events
	if len(events) > 0 {
		page.NextCursor = events[len(events)-1].Timestamp.Format(time.RFC3339Nano)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (*model.ChangeEvent, error) {
	var e model.ChangeEvent
	var ts int64
	var priorJSON, currentJSON sql.NullString

	if err := rows.Scan(&e.ID, &e.TargetID, &ts, &e.Title, &e.Description, &e.Permalink, &e.AISummary, &priorJSON, &currentJSON, &e.DiffFingerprint); err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(ts, 0)
	if priorJSON.Valid {
		_ = json.Unmarshal([]byte(priorJSON.String), &e.PriorState)
	}
	if currentJSON.Valid {
		_ = json.Unmarshal([]byte(currentJSON.String), &e.CurrentState)
	}
	return &e, nil
}

// MarkRead upserts a read-state row marking the event read for principalID.
func (s *Store) MarkRead(ctx context.Context, principalID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_states (principal_id, event_id, read, read_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(principal_id, event_id) DO UPDATE SET read = 1, read_at = excluded.read_at`,
		principalID, eventID, time.Now().Unix(),
	)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "mark event read", err)
	}
	return nil
}

// ToggleStar flips the star flag for (principalID, eventID) and returns the
// resulting state.
func (s *Store) ToggleStar(ctx context.Context, principalID, eventID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, watchererr.New(watchererr.KindInternal, "begin toggle-star transaction", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT star FROM read_states WHERE principal_id = ? AND event_id = ?`, principalID, eventID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, watchererr.New(watchererr.KindInternal, "read star state", err)
	}

	next := 1
	if current == 1 {
		next = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO read_states (principal_id, event_id, star, star_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal_id, event_id) DO UPDATE SET star = excluded.star, star_at = excluded.star_at`,
		principalID, eventID, next, time.Now().Unix(),
	)
	if err != nil {
		return false, watchererr.New(watchererr.KindInternal, "toggle star", err)
	}

	if err := tx.Commit(); err != nil {
		return false, watchererr.New(watchererr.KindInternal, "commit toggle-star transaction", err)
	}
	return next == 1, nil
}

// UnreadCount returns the number of events for targetID that principalID
// has not yet marked read.
func (s *Store) UnreadCount(ctx context.Context, principalID, targetID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_events e
		LEFT JOIN read_states r ON r.event_id = e.id AND r.principal_id = ?
		WHERE e.target_id = ? AND (r.read IS NULL OR r.read = 0)`,
		principalID, targetID,
	).Scan(&count)
	if err != nil {
		return 0, watchererr.New(watchererr.KindInternal, "count unread events", err)
	}
	return count, nil
}

// UnreadCounts is the per-principal unread projection: unread event counts
// bucketed by target-id and, redundantly, by folder-id. A target with no
// folder contributes to ByTarget but not ByFolder.
type UnreadCounts struct {
	ByTarget map[string]int
	ByFolder map[string]int
}

// UnreadCounts aggregates unread event counts, in a single query, across
// every target principalID owns or is subscribed to (per spec §4.6: no
// duplicates even if both conditions hold for the same target — owned-target
// subscriptions are rejected at the Control Plane, but the OR/IN filter
// matches each target row once and GROUP BY yields one row per target, so
// the contract holds regardless).
func (s *Store) UnreadCounts(ctx context.Context, principalID string) (*UnreadCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.folder_id, COUNT(e.id)
		FROM targets t
		JOIN change_events e ON e.target_id = t.id
		LEFT JOIN read_states r ON r.event_id = e.id AND r.principal_id = ?
		WHERE (r.read IS NULL OR r.read = 0)
		  AND (
			t.owner_id = ?
			OR t.id IN (SELECT target_id FROM subscriptions WHERE principal_id = ?)
		  )
		GROUP BY t.id, t.folder_id`,
		principalID, principalID, principalID,
	)
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "aggregate unread counts", err)
	}
	defer rows.Close()

	out := &UnreadCounts{ByTarget: make(map[string]int), ByFolder: make(map[string]int)}
	for rows.Next() {
		var targetID string
		var folderID sql.NullString
		var count int
		if err := rows.Scan(&targetID, &folderID, &count); err != nil {
			return nil, watchererr.New(watchererr.KindInternal, "scan unread counts", err)
		}
		out.ByTarget[targetID] = count
		if folderID.Valid && folderID.String != "" {
			out.ByFolder[folderID.String] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "iterate unread counts", err)
	}
	return out, nil
}

// UpsertTarget inserts or fully replaces a target row.
func (s *Store) UpsertTarget(ctx context.Context, t *model.Target) error {
	configJSON, err := model.MarshalConfig(t.Config)
	if err != nil {
		return watchererr.New(watchererr.KindInvalidInput, "marshal extraction config", err)
	}
	currentJSON, _ := json.Marshal(t.CurrentState)
	lastAlertJSON, _ := json.Marshal(t.LastAlertState)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO targets
			(id, owner_id, url, description, config, interval, alert_policy, intent_description, enable_summary,
			 active, status, visibility, slug, folder_id, last_scrape_at, last_scrape_end, last_error,
			 consecutive_errors, current_state, last_alert_state, next_due_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, description = excluded.description, config = excluded.config,
			interval = excluded.interval, alert_policy = excluded.alert_policy,
			intent_description = excluded.intent_description, enable_summary = excluded.enable_summary,
			active = excluded.active, status = excluded.status, visibility = excluded.visibility,
			slug = excluded.slug, folder_id = excluded.folder_id, last_scrape_at = excluded.last_scrape_at,
			last_scrape_end = excluded.last_scrape_end, last_error = excluded.last_error,
			consecutive_errors = excluded.consecutive_errors, current_state = excluded.current_state,
			last_alert_state = excluded.last_alert_state, next_due_at = excluded.next_due_at`,
		t.ID, t.OwnerID, t.URL, t.Description, string(configJSON), string(t.Interval), string(t.AlertPolicy),
		t.IntentDescription, boolToInt(t.EnableSummary), boolToInt(t.Active), string(t.Status), string(t.Visibility),
		t.Slug, nullableString(t.FolderID), unixOrNil(t.LastScrapeAt), unixOrNil(t.LastScrapeEnd), t.LastError,
		t.ConsecutiveErrors, string(currentJSON), string(lastAlertJSON), unixOrNil(t.NextDueAt), t.CreatedAt.Unix(),
	)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "upsert target", err)
	}
	return nil
}

// GetTarget loads a target by ID.
func (s *Store) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, url, description, config, interval, alert_policy, intent_description, enable_summary,
		       active, status, visibility, slug, folder_id, last_scrape_at, last_scrape_end, last_error,
		       consecutive_errors, current_state, last_alert_state, next_due_at, created_at
		FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, watchererr.New(watchererr.KindInvalidInput, "target not found", err)
	}
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "get target", err)
	}
	return t, nil
}

// GetTargetBySlug loads a target by its public slug.
func (s *Store) GetTargetBySlug(ctx context.Context, slug string) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, url, description, config, interval, alert_policy, intent_description, enable_summary,
		       active, status, visibility, slug, folder_id, last_scrape_at, last_scrape_end, last_error,
		       consecutive_errors, current_state, last_alert_state, next_due_at, created_at
		FROM targets WHERE slug = ?`, slug)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, watchererr.New(watchererr.KindInvalidInput, "target not found", err)
	}
	if err != nil {
		return nil, watchererr.New(watchererr.KindInternal, "get target by slug", err)
	}
	return t, nil
}

// DeleteTarget removes a target and, via ON DELETE CASCADE, its events,
// read states, and subscriptions.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "delete target", err)
	}
	return nil
}

// Subscribe records principalID as a subscriber of targetID. Duplicate
// subscriptions are rejected via the table's composite primary key.
func (s *Store) Subscribe(ctx context.Context, principalID, targetID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (principal_id, target_id, created_at) VALUES (?, ?, ?)`,
		principalID, targetID, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return watchererr.New(watchererr.KindInvalidInput, "already subscribed to this target", err)
		}
		return watchererr.New(watchererr.KindInternal, "insert subscription", err)
	}
	return nil
}

// Unsubscribe removes principalID's subscription row for targetID, per
// spec scenario 6: the subscriber's read/star state on already-seen events
// is untouched, only the audience membership row is gone.
func (s *Store) Unsubscribe(ctx context.Context, principalID, targetID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE principal_id = ? AND target_id = ?`,
		principalID, targetID,
	)
	if err != nil {
		return watchererr.New(watchererr.KindInternal, "delete subscription", err)
	}
	return nil
}

// IsSubscribed reports whether principalID is a subscriber of targetID.
func (s *Store) IsSubscribed(ctx context.Context, principalID, targetID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM subscriptions WHERE principal_id = ? AND target_id = ?`,
		principalID, targetID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, watchererr.New(watchererr.KindInternal, "check subscription", err)
	}
	return true, nil
}

func scanTarget(row *sql.Row) (*model.Target, error) {
	var t model.Target
	var interval, alertPolicy, status, visibility, configJSON string
	var folderID, currentJSON, lastAlertJSON sql.NullString
	var lastScrapeAt, lastScrapeEnd, nextDueAt sql.NullInt64
	var createdAt int64
	var active, enableSummary int

	err := row.Scan(&t.ID, &t.OwnerID, &t.URL, &t.Description, &configJSON, &interval, &alertPolicy,
		&t.IntentDescription, &enableSummary, &active, &status, &visibility, &t.Slug, &folderID,
		&lastScrapeAt, &lastScrapeEnd, &t.LastError, &t.ConsecutiveErrors, &currentJSON, &lastAlertJSON,
		&nextDueAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if cfg, cfgErr := model.UnmarshalConfig([]byte(configJSON)); cfgErr == nil {
		t.Config = cfg
	}
	t.Interval = model.Interval(interval)
	t.AlertPolicy = model.AlertPolicy(alertPolicy)
	t.Status = model.Status(status)
	t.Visibility = model.Visibility(visibility)
	t.Active = active == 1
	t.EnableSummary = enableSummary == 1
	t.FolderID = folderID.String
	t.CreatedAt = time.Unix(createdAt, 0)
	if lastScrapeAt.Valid {
		t.LastScrapeAt = time.Unix(lastScrapeAt.Int64, 0)
	}
	if lastScrapeEnd.Valid {
		t.LastScrapeEnd = time.Unix(lastScrapeEnd.Int64, 0)
	}
	if nextDueAt.Valid {
		t.NextDueAt = time.Unix(nextDueAt.Int64, 0)
	}
	if currentJSON.Valid {
		_ = json.Unmarshal([]byte(currentJSON.String), &t.CurrentState)
	}
	if lastAlertJSON.Valid {
		_ = json.Unmarshal([]byte(lastAlertJSON.String), &t.LastAlertState)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

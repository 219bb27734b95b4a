// Package store persists communities, join records, notification markers and
// detection baselines in SQLite. It is the sole authority for duplicate
// suppression: candidate admission and sent-marker writes are transactional.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // database/sql driver

	"discord-join-notifier/pkg/joinwatch"
)

const schema = `
CREATE TABLE IF NOT EXISTS communities (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	monitoring_mode TEXT NOT NULL,
	excluded INTEGER NOT NULL DEFAULT 0,
	member_count INTEGER NOT NULL DEFAULT 0,
	first_seen_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS join_records (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	community_id TEXT NOT NULL,
	observed_at INTEGER NOT NULL,
	source TEXT NOT NULL,
	confidence TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	account_created_at INTEGER NOT NULL DEFAULT 0,
	avatar_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_join_records_pair
	ON join_records(subject_id, community_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_join_records_status
	ON join_records(status, observed_at);

CREATE TABLE IF NOT EXISTS notification_markers (
	subject_id TEXT NOT NULL,
	community_id TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	join_record_id TEXT NOT NULL,
	PRIMARY KEY (subject_id, community_id, join_record_id)
);
CREATE INDEX IF NOT EXISTS idx_markers_pair
	ON notification_markers(subject_id, community_id, sent_at);

CREATE TABLE IF NOT EXISTS detection_state (
	community_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	field TEXT NOT NULL,
	last_value INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (community_id, strategy, field)
);
`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// IsNotFound checks if an error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is a SQLite-backed persistence layer. A single connection serializes
// writers, which gives the guard its per-pair single-writer semantics.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("Database opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// UpsertCommunity records a discovered community, updating its name, mode and
// member count while preserving a previously set exclusion flag.
func (s *Store) UpsertCommunity(ctx context.Context, c *joinwatch.Community) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communities (id, display_name, monitoring_mode, excluded, member_count, first_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			monitoring_mode = excluded.monitoring_mode,
			member_count = excluded.member_count,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, string(c.Mode), boolToInt(c.Excluded), c.MemberCount, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert community %s: %w", c.ID, err)
	}
	return nil
}

// SetCommunityExcluded soft-excludes or re-includes a community.
func (s *Store) SetCommunityExcluded(ctx context.Context, communityID string, excluded bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE communities SET excluded = ?, updated_at = ? WHERE id = ?`,
		boolToInt(excluded), toMillis(time.Now()), communityID)
	if err != nil {
		return fmt.Errorf("set community %s excluded: %w", communityID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Community loads one community.
func (s *Store) Community(ctx context.Context, communityID string) (*joinwatch.Community, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, monitoring_mode, excluded, member_count, first_seen_at, updated_at
		 FROM communities WHERE id = ?`, communityID)
	return scanCommunity(row)
}

// Communities lists all communities, excluded ones included.
func (s *Store) Communities(ctx context.Context) ([]*joinwatch.Community, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, monitoring_mode, excluded, member_count, first_seen_at, updated_at
		 FROM communities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var communities []*joinwatch.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommunity(row rowScanner) (*joinwatch.Community, error) {
	var c joinwatch.Community
	var mode string
	var excluded int
	var firstSeen, updated int64
	err := row.Scan(&c.ID, &c.DisplayName, &mode, &excluded, &c.MemberCount, &firstSeen, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan community: %w", err)
	}
	c.Mode = joinwatch.MonitoringMode(mode)
	c.Excluded = excluded != 0
	c.FirstSeenAt = fromMillis(firstSeen)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// Admit atomically decides whether a candidate may enter persisted state.
// Marker first: a non-expired marker for the pair is authoritative proof the
// notification went out. Then any join record for the pair inside the window
// blocks, whatever its delivery state. Returns the inserted record and true
// when admitted.
func (s *Store) Admit(ctx context.Context, cand *joinwatch.Candidate, window time.Duration) (*joinwatch.JoinRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin admit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cutoff := toMillis(cand.ObservedAt.Add(-window))

	var markers int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_markers
		 WHERE subject_id = ? AND community_id = ? AND sent_at >= ?`,
		cand.SubjectID, cand.CommunityID, cutoff).Scan(&markers)
	if err != nil {
		return nil, false, fmt.Errorf("check markers: %w", err)
	}
	if markers > 0 {
		return nil, false, nil
	}

	var records int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM join_records
		 WHERE subject_id = ? AND community_id = ? AND observed_at >= ?`,
		cand.SubjectID, cand.CommunityID, cutoff).Scan(&records)
	if err != nil {
		return nil, false, fmt.Errorf("check join records: %w", err)
	}
	if records > 0 {
		return nil, false, nil
	}

	rec := &joinwatch.JoinRecord{
		ID:          uuid.NewString(),
		SubjectID:   cand.SubjectID,
		CommunityID: cand.CommunityID,
		ObservedAt:  cand.ObservedAt,
		Source:      cand.Source,
		Confidence:  cand.Confidence,
		Snapshot:    cand.Snapshot,
		Status:      joinwatch.StatusPending,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO join_records
		 (id, subject_id, community_id, observed_at, source, confidence,
		  username, display_name, account_created_at, avatar_url, status, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.SubjectID, rec.CommunityID, toMillis(rec.ObservedAt),
		string(rec.Source), string(rec.Confidence),
		rec.Snapshot.Username, rec.Snapshot.DisplayName,
		toMillis(rec.Snapshot.AccountCreatedAt), rec.Snapshot.AvatarURL,
		string(rec.Status))
	if err != nil {
		return nil, false, fmt.Errorf("insert join record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit admit tx: %w", err)
	}
	return rec, true, nil
}

// JoinRecord loads one join record.
func (s *Store) JoinRecord(ctx context.Context, id string) (*joinwatch.JoinRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id)
	return scanRecord(row)
}

const selectRecord = `SELECT id, subject_id, community_id, observed_at, source, confidence,
	username, display_name, account_created_at, avatar_url, status, attempts
	FROM join_records`

func scanRecord(row rowScanner) (*joinwatch.JoinRecord, error) {
	var rec joinwatch.JoinRecord
	var observed, accountCreated int64
	var source, confidence, status string
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.CommunityID, &observed, &source, &confidence,
		&rec.Snapshot.Username, &rec.Snapshot.DisplayName, &accountCreated, &rec.Snapshot.AvatarURL,
		&status, &rec.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan join record: %w", err)
	}
	rec.ObservedAt = fromMillis(observed)
	rec.Snapshot.AccountCreatedAt = fromMillis(accountCreated)
	rec.Source = joinwatch.Source(source)
	rec.Confidence = joinwatch.Confidence(confidence)
	rec.Status = joinwatch.RecordStatus(status)
	return &rec, nil
}

// PendingRecords lists records still awaiting delivery, oldest first. Used to
// rebuild the dispatch queue after a restart.
func (s *Store) PendingRecords(ctx context.Context) ([]*joinwatch.JoinRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecord+` WHERE status IN (?, ?) ORDER BY observed_at`,
		string(joinwatch.StatusPending), string(joinwatch.StatusRetrying))
	if err != nil {
		return nil, fmt.Errorf("list pending records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var records []*joinwatch.JoinRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkSent transitions a record to sent and writes its notification marker in
// the same transaction, so a marker can never exist without its record update.
func (s *Store) MarkSent(ctx context.Context, recordID string, sentAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark-sent tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, recordID))
	if err != nil {
		return fmt.Errorf("load record %s: %w", recordID, err)
	}
	if !rec.Status.CanTransition(joinwatch.StatusSent) {
		return fmt.Errorf("record %s: invalid transition %s -> sent", recordID, rec.Status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE join_records SET status = ? WHERE id = ?`,
		string(joinwatch.StatusSent), recordID); err != nil {
		return fmt.Errorf("mark record sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notification_markers (subject_id, community_id, sent_at, join_record_id)
		 VALUES (?, ?, ?, ?)`,
		rec.SubjectID, rec.CommunityID, toMillis(sentAt), recordID); err != nil {
		return fmt.Errorf("insert notification marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark-sent tx: %w", err)
	}
	return nil
}

// MarkRetrying bumps the attempt counter after a failed dispatch and returns
// the new count.
func (s *Store) MarkRetrying(ctx context.Context, recordID string) (int, error) {
	if err := s.transition(ctx, recordID, joinwatch.StatusRetrying, true); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM join_records WHERE id = ?`, recordID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// MarkFiltered marks a record as suppressed by the dispatch validity check.
func (s *Store) MarkFiltered(ctx context.Context, recordID string) error {
	return s.transition(ctx, recordID, joinwatch.StatusFiltered, false)
}

// MarkFailed marks a record as permanently failed after exhausted retries.
func (s *Store) MarkFailed(ctx context.Context, recordID string) error {
	return s.transition(ctx, recordID, joinwatch.StatusFailed, false)
}

func (s *Store) transition(ctx context.Context, recordID string, next joinwatch.RecordStatus, bumpAttempts bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, recordID))
	if err != nil {
		return fmt.Errorf("load record %s: %w", recordID, err)
	}
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("record %s: invalid transition %s -> %s", recordID, rec.Status, next)
	}

	attempts := rec.Attempts
	if bumpAttempts {
		attempts++
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE join_records SET status = ?, attempts = ? WHERE id = ?`,
		string(next), attempts, recordID); err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// MarkerFor returns the newest notification marker for a pair, or ErrNotFound.
func (s *Store) MarkerFor(ctx context.Context, subjectID, communityID string) (*joinwatch.Marker, error) {
	var m joinwatch.Marker
	var sentAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, community_id, sent_at, join_record_id FROM notification_markers
		 WHERE subject_id = ? AND community_id = ? ORDER BY sent_at DESC LIMIT 1`,
		subjectID, communityID).Scan(&m.SubjectID, &m.CommunityID, &sentAt, &m.JoinRecordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load marker: %w", err)
	}
	m.SentAt = fromMillis(sentAt)
	return &m, nil
}

// Baseline reads a detection baseline. The second return is false when no
// baseline has been recorded yet.
func (s *Store) Baseline(ctx context.Context, communityID, strategy, field string) (int64, bool, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_value FROM detection_state
		 WHERE community_id = ? AND strategy = ? AND field = ?`,
		communityID, strategy, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read baseline: %w", err)
	}
	return value, true, nil
}

// SetBaseline writes a detection baseline.
func (s *Store) SetBaseline(ctx context.Context, communityID, strategy, field string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_state (community_id, strategy, field, last_value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(community_id, strategy, field) DO UPDATE SET
			last_value = excluded.last_value,
			updated_at = excluded.updated_at`,
		communityID, strategy, field, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("set baseline: %w", err)
	}
	return nil
}

// ClearDetectionState drops all baselines of a community, used when the
// community becomes excluded.
func (s *Store) ClearDetectionState(ctx context.Context, communityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM detection_state WHERE community_id = ?`, communityID)
	if err != nil {
		return fmt.Errorf("clear detection state: %w", err)
	}
	return nil
}

// Prune deletes join records and notification markers older than the
// retention period. Retention must comfortably exceed the dedup window so
// pruning never reopens a pair for re-admission.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := toMillis(time.Now().Add(-retention))
	var total int64
	for _, target := range []struct {
		table  string
		column string
	}{
		{"join_records", "observed_at"},
		{"notification_markers", "sent_at"},
	} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, target.table, target.column), cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", target.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		s.logger.Info("Pruned expired rows", "count", total, "retention", retention.String())
	}
	return total, nil
}

// Stats summarizes persisted state for the status endpoint.
type Stats struct {
	Communities    int `json:"communities"`
	ActiveTargets  int `json:"active_targets"`
	Joins24h       int `json:"joins_24h"`
	Sent24h        int `json:"sent_24h"`
	PendingRecords int `json:"pending_records"`
	FailedRecords  int `json:"failed_records"`
}

// Stats computes summary counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	cutoff := toMillis(time.Now().Add(-24 * time.Hour))
	var st Stats
	queries := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&st.Communities, `SELECT COUNT(*) FROM communities`, nil},
		{&st.ActiveTargets, `SELECT COUNT(*) FROM communities WHERE excluded = 0`, nil},
		{&st.Joins24h, `SELECT COUNT(*) FROM join_records WHERE observed_at >= ?`, []any{cutoff}},
		{&st.Sent24h, `SELECT COUNT(*) FROM notification_markers WHERE sent_at >= ?`, []any{cutoff}},
		{&st.PendingRecords, `SELECT COUNT(*) FROM join_records WHERE status IN ('pending', 'retrying')`, nil},
		{&st.FailedRecords, `SELECT COUNT(*) FROM join_records WHERE status = 'failed'`, nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

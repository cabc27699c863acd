// Package sqlitestore provides a single-file SQLite implementation of
// intake.Store for local, single-user deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/intake/internal/intake"
)

//go:embed schema.sql
var schema string

// timeLayout sorts lexicographically in the same order as the instants it encodes.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store persists intake state in a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the database at path and applies the schema.
// Pass ":memory:" for a private in-memory database.
func New(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer; every transaction holds the only connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = `id, zone, source, source_id, type, subject, body, from_name, from_address,
	participants, created_at, updated_at, content_hash, is_read, metadata, thread_context,
	message_count, status, embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

// Upsert inserts or merges an item keyed by (source, source_id).
func (s *Store) Upsert(ctx context.Context, item *intake.Item) (string, intake.UpsertOutcome, error) {
	if err := intake.Validate(item); err != nil {
		return "", "", fmt.Errorf("upsert: %w", err)
	}
	in := item.Clone()
	intake.Normalize(in)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	existing, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM intake_items WHERE source = ? AND source_id = ?`, in.Source, in.SourceID))
	if err != nil {
		return "", "", err
	}

	var (
		id      string
		outcome intake.UpsertOutcome
	)
	switch {
	case existing == nil:
		row := intake.NewForInsert(in, ulid.Make().String(), s.now())
		if err := insertItem(ctx, tx, row); err != nil {
			return "", "", err
		}
		id, outcome = row.ID, intake.Created
	default:
		merged, changed := intake.Merge(existing, in)
		id, outcome = existing.ID, intake.Unchanged
		if changed {
			if err := updateItem(ctx, tx, merged); err != nil {
				return "", "", err
			}
			outcome = intake.Updated
		}
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}
	return id, outcome, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, it *intake.Item) error {
	participants, metadata, err := marshalItemJSON(it)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO intake_items (`+itemColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, string(it.Zone), it.Source, it.SourceID, it.Type, it.Subject, it.Body,
		it.FromName, it.FromAddress, participants, fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt),
		it.ContentHash, it.IsRead, metadata, it.ThreadContext, it.MessageCount, string(it.Status),
		vectorBytes(it.Embedding),
	)
	if err != nil {
		return fmt.Errorf("inserting item: %w", err)
	}
	return nil
}

func updateItem(ctx context.Context, tx *sql.Tx, it *intake.Item) error {
	participants, metadata, err := marshalItemJSON(it)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE intake_items SET
		zone = ?, type = ?, subject = ?, body = ?, from_name = ?, from_address = ?,
		participants = ?, created_at = ?, updated_at = ?, content_hash = ?, is_read = ?,
		metadata = ?, status = ?, embedding = ?
		WHERE id = ?`,
		string(it.Zone), it.Type, it.Subject, it.Body, it.FromName, it.FromAddress,
		participants, fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt), it.ContentHash, it.IsRead,
		metadata, string(it.Status), vectorBytes(it.Embedding), it.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", it.ID, err)
	}
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*intake.Item, bool, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM intake_items WHERE id = ?`, id))
	if err != nil {
		return nil, false, err
	}
	return it, it != nil, nil
}

// GetBySource retrieves an item by its dedup key.
func (s *Store) GetBySource(ctx context.Context, source, sourceID string) (*intake.Item, bool, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM intake_items WHERE source = ? AND source_id = ?`, source, sourceID))
	if err != nil {
		return nil, false, err
	}
	return it, it != nil, nil
}

// List returns items matching the filter, most recently updated first.
func (s *Store) List(ctx context.Context, f intake.Filter) ([]*intake.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.Zone != "" {
		where, args = append(where, "i.zone = ?"), append(args, string(f.Zone))
	}
	if f.Source != "" {
		where, args = append(where, "i.source = ?"), append(args, f.Source)
	}
	if f.Status != "" {
		where, args = append(where, "i.status = ?"), append(args, string(f.Status))
	}
	if f.Priority != "" {
		where, args = append(where, "t.priority = ?"), append(args, string(f.Priority))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = intake.DefaultListLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT `)
	for i, c := range strings.Split(itemColumns, ",") {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("i." + strings.TrimSpace(c))
	}
	b.WriteString(` FROM intake_items i`)
	if f.Priority != "" {
		b.WriteString(` JOIN triage_results t ON t.intake_id = i.id`)
	}
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, " AND "))
	}
	b.WriteString(` ORDER BY i.updated_at DESC, i.id DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var out []*intake.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// AddMessage appends a message and bumps the owning item's message count.
func (s *Store) AddMessage(ctx context.Context, msg *intake.Message) (bool, error) {
	metadata, err := marshalMap(msg.Metadata)
	if err != nil {
		return false, err
	}
	id := msg.ID
	if id == "" {
		id = ulid.Make().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT id FROM intake_items WHERE id = ?`, msg.IntakeID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("add message to %s: %w", msg.IntakeID, intake.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("checking item: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO intake_messages
		(id, intake_id, source_message_id, ts, from_name, from_address, content, metadata)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (intake_id, source_message_id) DO NOTHING`,
		id, msg.IntakeID, msg.SourceMessageID, fmtTime(msg.Timestamp), msg.FromName, msg.FromAddress, msg.Content, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE intake_items SET message_count = message_count + 1 WHERE id = ?`, msg.IntakeID); err != nil {
		return false, fmt.Errorf("bumping message count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, intakeID string, limit int) ([]intake.Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM intake_messages WHERE intake_id = ?`, intakeID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, intake_id, source_message_id, ts, from_name, from_address, content, metadata
		FROM (
			SELECT * FROM intake_messages WHERE intake_id = ?
			ORDER BY ts DESC, seq DESC LIMIT ?
		)
		ORDER BY ts ASC, seq ASC`, intakeID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []intake.Message
	for rows.Next() {
		var (
			m            intake.Message
			ts, metadata string
		)
		if err := rows.Scan(&m.ID, &m.IntakeID, &m.SourceMessageID, &ts, &m.FromName, &m.FromAddress, &m.Content, &metadata); err != nil {
			return nil, 0, fmt.Errorf("scanning message: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, err
		}
		if m.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// SetThreadContext stores the rebuilt thread context text.
func (s *Store) SetThreadContext(ctx context.Context, id, text string) error {
	return s.updateOne(ctx, "setting thread context", `UPDATE intake_items SET thread_context = ? WHERE id = ?`, text, id)
}

// SetEmbedding stores the item's embedding vector.
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	return s.updateOne(ctx, "setting embedding", `UPDATE intake_items SET embedding = ? WHERE id = ?`, vectorBytes(vec), id)
}

func (s *Store) updateOne(ctx context.Context, what, query string, v any, id string) error {
	res, err := s.db.ExecContext(ctx, query, v, id)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, intake.ErrNotFound)
	}
	return nil
}

// Candidates returns embedded items, most recently updated first, joined
// with their triage records.
func (s *Store) Candidates(ctx context.Context, q intake.CandidateQuery) ([]intake.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT i.id, i.zone, i.subject, i.updated_at, i.embedding,
			t.intake_id, COALESCE(t.category, ''), COALESCE(t.priority, ''), COALESCE(t.quick_win, 0),
			COALESCE(t.quick_win_reason, ''), COALESCE(t.estimated_time, ''), COALESCE(t.confidence, 0),
			COALESCE(t.layer, ''), COALESCE(t.action, ''), COALESCE(t.reasoning, ''),
			COALESCE(t.triaged_at, ''), COALESCE(t.triaged_by, '')
		FROM intake_items i
		LEFT JOIN triage_results t ON t.intake_id = i.id
		WHERE i.embedding IS NOT NULL
		  AND (? = '' OR i.zone = ?)
		  AND (? = 0 OR t.intake_id IS NOT NULL)
		ORDER BY i.updated_at DESC, i.id DESC
		LIMIT ?`, string(q.Zone), string(q.Zone), q.RequireTriage, limit)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var out []intake.Candidate
	for rows.Next() {
		var (
			c                                intake.Candidate
			rec                              intake.TriageRecord
			zone, updatedAt, triagedAt       string
			cat, pri, effort, layer, act, by string
			blob                             []byte
			triageID                         sql.NullString
		)
		if err := rows.Scan(&c.ID, &zone, &c.Subject, &updatedAt, &blob,
			&triageID, &cat, &pri, &rec.QuickWin, &rec.QuickWinReason, &effort, &rec.Confidence,
			&layer, &act, &rec.Reasoning, &triagedAt, &by); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		c.Zone = intake.Zone(zone)
		c.Embedding = bytesVector(blob)
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if triageID.Valid {
			rec.IntakeID = triageID.String
			rec.Category = intake.Category(cat)
			rec.Priority = intake.Priority(pri)
			rec.EstimatedTime = intake.Effort(effort)
			rec.Layer = intake.Layer(layer)
			rec.Action = intake.Action(act)
			rec.TriagedBy = intake.TriagedBy(by)
			if rec.TriagedAt, err = parseTime(triagedAt); err != nil {
				return nil, err
			}
			c.Triage = &rec
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutTriage replaces the item's triage record and updates the item status.
func (s *Store) PutTriage(ctx context.Context, rec *intake.TriageRecord) error {
	status := intake.StatusTriaged
	if rec.TriagedBy == intake.TriagedByUser {
		status = intake.StatusCorrected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	res, err := tx.ExecContext(ctx, `UPDATE intake_items SET status = ? WHERE id = ?`, string(status), rec.IntakeID)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("put triage %s: %w", rec.IntakeID, intake.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO triage_results (
		intake_id, category, priority, quick_win, quick_win_reason, estimated_time,
		confidence, layer, action, reasoning, triaged_at, triaged_by
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (intake_id) DO UPDATE SET
		category         = excluded.category,
		priority         = excluded.priority,
		quick_win        = excluded.quick_win,
		quick_win_reason = excluded.quick_win_reason,
		estimated_time   = excluded.estimated_time,
		confidence       = excluded.confidence,
		layer            = excluded.layer,
		action           = excluded.action,
		reasoning        = excluded.reasoning,
		triaged_at       = excluded.triaged_at,
		triaged_by       = excluded.triaged_by`,
		rec.IntakeID, string(rec.Category), string(rec.Priority), rec.QuickWin, rec.QuickWinReason,
		string(rec.EstimatedTime), rec.Confidence, string(rec.Layer), string(rec.Action), rec.Reasoning,
		fmtTime(rec.TriagedAt), string(rec.TriagedBy),
	)
	if err != nil {
		return fmt.Errorf("upserting triage: %w", err)
	}
	return tx.Commit()
}

// GetTriage returns the item's triage record.
func (s *Store) GetTriage(ctx context.Context, intakeID string) (*intake.TriageRecord, bool, error) {
	var (
		rec                                  intake.TriageRecord
		cat, pri, effort, layer, act, by, ts string
	)
	err := s.db.QueryRowContext(ctx, `SELECT intake_id, category, priority, quick_win, quick_win_reason,
			estimated_time, confidence, layer, action, reasoning, triaged_at, triaged_by
		FROM triage_results WHERE intake_id = ?`, intakeID).Scan(
		&rec.IntakeID, &cat, &pri, &rec.QuickWin, &rec.QuickWinReason,
		&effort, &rec.Confidence, &layer, &act, &rec.Reasoning, &ts, &by,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting triage for %s: %w", intakeID, err)
	}
	rec.Category = intake.Category(cat)
	rec.Priority = intake.Priority(pri)
	rec.EstimatedTime = intake.Effort(effort)
	rec.Layer = intake.Layer(layer)
	rec.Action = intake.Action(act)
	rec.TriagedBy = intake.TriagedBy(by)
	if rec.TriagedAt, err = parseTime(ts); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// RecordCorrection appends a correction audit row and returns its ID.
func (s *Store) RecordCorrection(ctx context.Context, c *intake.Correction) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT id FROM intake_items WHERE id = ?`, c.IntakeID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record correction %s: %w", c.IntakeID, intake.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("checking item: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO triage_corrections (
		intake_id, zone, subject, original_category, original_priority,
		corrected_category, corrected_priority, reason, corrected_at
	) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.IntakeID, string(c.Zone), c.Subject, string(c.OriginalCategory), string(c.OriginalPriority),
		string(c.CorrectedCategory), string(c.CorrectedPriority), c.Reason, fmtTime(c.CorrectedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting correction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("correction id: %w", err)
	}
	return id, tx.Commit()
}

// RecentCorrections returns the newest corrections first, optionally zone-scoped.
func (s *Store) RecentCorrections(ctx context.Context, zone intake.Zone, limit int) ([]intake.Correction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, intake_id, zone, subject, original_category, original_priority,
			corrected_category, corrected_priority, reason, corrected_at
		FROM triage_corrections
		WHERE (? = '' OR zone = ?)
		ORDER BY corrected_at DESC, id DESC
		LIMIT ?`, string(zone), string(zone), limit)
	if err != nil {
		return nil, fmt.Errorf("querying corrections: %w", err)
	}
	defer rows.Close()

	var out []intake.Correction
	for rows.Next() {
		var (
			c                     intake.Correction
			z, oc, op, cc, cp, ts string
		)
		if err := rows.Scan(&c.ID, &c.IntakeID, &z, &c.Subject, &oc, &op, &cc, &cp, &c.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning correction: %w", err)
		}
		c.Zone = intake.Zone(z)
		c.OriginalCategory = intake.Category(oc)
		c.OriginalPriority = intake.Priority(op)
		c.CorrectedCategory = intake.Category(cc)
		c.CorrectedPriority = intake.Priority(cp)
		if c.CorrectedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const syncColumns = `source, cursor, last_sync_at, last_success_at, status, items_synced, consecutive_failures, last_error`

// GetSyncState returns a source's sync state.
func (s *Store) GetSyncState(ctx context.Context, source string) (*intake.SyncState, bool, error) {
	st, err := scanSyncState(s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_state WHERE source = ?`, source))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// PutSyncState upserts a source's sync state.
func (s *Store) PutSyncState(ctx context.Context, st *intake.SyncState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_state (`+syncColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (source) DO UPDATE SET
			cursor               = excluded.cursor,
			last_sync_at         = excluded.last_sync_at,
			last_success_at      = excluded.last_success_at,
			status               = excluded.status,
			items_synced         = excluded.items_synced,
			consecutive_failures = excluded.consecutive_failures,
			last_error           = excluded.last_error`,
		st.Source, st.Cursor, fmtTime(st.LastSyncAt), fmtTime(st.LastSuccessAt), st.Status,
		st.ItemsSynced, st.ConsecutiveFailures, st.LastError,
	)
	if err != nil {
		return fmt.Errorf("upserting sync state %s: %w", st.Source, err)
	}
	return nil
}

// ListSyncStates returns all sync states ordered by source.
func (s *Store) ListSyncStates(ctx context.Context) ([]intake.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+syncColumns+` FROM sync_state ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("listing sync state: %w", err)
	}
	defer rows.Close()

	var out []intake.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanSyncState(row rowScanner) (*intake.SyncState, error) {
	var (
		st               intake.SyncState
		lastSync, lastOK string
	)
	if err := row.Scan(&st.Source, &st.Cursor, &lastSync, &lastOK, &st.Status,
		&st.ItemsSynced, &st.ConsecutiveFailures, &st.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sync state: %w", err)
	}
	var err error
	if st.LastSyncAt, err = parseTime(lastSync); err != nil {
		return nil, err
	}
	if st.LastSuccessAt, err = parseTime(lastOK); err != nil {
		return nil, err
	}
	return &st, nil
}

// scanItem scans a single item row. Returns (nil, nil) when no row is found.
func scanItem(row rowScanner) (*intake.Item, error) {
	var (
		it                   intake.Item
		zone, status         string
		participants, meta   string
		createdAt, updatedAt string
		blob                 []byte
	)
	err := row.Scan(
		&it.ID, &zone, &it.Source, &it.SourceID, &it.Type, &it.Subject, &it.Body,
		&it.FromName, &it.FromAddress, &participants, &createdAt, &updatedAt,
		&it.ContentHash, &it.IsRead, &meta, &it.ThreadContext, &it.MessageCount,
		&status, &blob,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning item: %w", err)
	}
	it.Zone = intake.Zone(zone)
	it.Status = intake.Status(status)
	it.Embedding = bytesVector(blob)
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &it.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	if len(it.Participants) == 0 {
		it.Participants = nil
	}
	if it.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &it, nil
}

func marshalItemJSON(it *intake.Item) (participants, metadata string, err error) {
	p := it.Participants
	if p == nil {
		p = []string{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("marshal participants: %w", err)
	}
	if metadata, err = marshalMap(it.Metadata); err != nil {
		return "", "", err
	}
	return string(b), metadata, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// vectorBytes encodes a vector as little-endian float32s. Empty vectors
// bind as SQL NULL.
func vectorBytes(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

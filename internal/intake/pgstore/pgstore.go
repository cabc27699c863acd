// Package pgstore provides a PostgreSQL implementation of intake.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/intake/internal/intake"
)

var tracer = otel.Tracer("github.com/linnemanlabs/intake/internal/intake/pgstore")

//go:embed schema.sql
var schema string

// pgForeignKeyViolation is the SQLSTATE for a missing referenced row.
const pgForeignKeyViolation = "23503"

// Store persists intake state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on an existing pool and returns a ready Store.
// The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on the span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const itemColumns = `id, zone, source, source_id, type, subject, body, from_name, from_address,
	participants, created_at, updated_at, content_hash, is_read, metadata, thread_context,
	message_count, status, embedding`

// Upsert inserts or merges an item keyed by (source, source_id) inside one
// transaction. The stored row is locked while the merge is computed.
func (s *Store) Upsert(ctx context.Context, item *intake.Item) (string, intake.UpsertOutcome, error) {
	ctx, span := startSpan(ctx, "Upsert", "UPSERT")
	defer span.End()

	if err := intake.Validate(item); err != nil {
		return "", "", fail(span, fmt.Errorf("upsert: %w", err))
	}
	in := item.Clone()
	intake.Normalize(in)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", "", fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	lockQuery := `SELECT ` + itemColumns + ` FROM intake_items WHERE source = $1 AND source_id = $2 FOR UPDATE`
	existing, err := scanItem(tx.QueryRow(ctx, lockQuery, in.Source, in.SourceID))
	if err != nil {
		return "", "", fail(span, err)
	}

	if existing == nil {
		row := intake.NewForInsert(in, ulid.Make().String(), time.Now())
		inserted, err := insertItem(ctx, tx, row)
		if err != nil {
			return "", "", fail(span, err)
		}
		if inserted {
			if err := tx.Commit(ctx); err != nil {
				return "", "", fail(span, fmt.Errorf("commit: %w", err))
			}
			span.SetAttributes(attribute.String("intake.upsert.outcome", string(intake.Created)))
			return row.ID, intake.Created, nil
		}
		// lost an insert race; the winner's row is committed now
		existing, err = scanItem(tx.QueryRow(ctx, lockQuery, in.Source, in.SourceID))
		if err != nil {
			return "", "", fail(span, err)
		}
		if existing == nil {
			return "", "", fail(span, errors.New("upsert: row vanished after conflict"))
		}
	}

	merged, changed := intake.Merge(existing, in)
	outcome := intake.Unchanged
	if changed {
		if err := updateItem(ctx, tx, merged); err != nil {
			return "", "", fail(span, err)
		}
		outcome = intake.Updated
	}
	if err := tx.Commit(ctx); err != nil {
		return "", "", fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.String("intake.upsert.outcome", string(outcome)))
	return existing.ID, outcome, nil
}

func insertItem(ctx context.Context, tx pgx.Tx, it *intake.Item) (bool, error) {
	participants, metadata, err := marshalItemJSON(it)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `INSERT INTO intake_items (`+itemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (source, source_id) DO NOTHING`,
		it.ID, string(it.Zone), it.Source, it.SourceID, it.Type, it.Subject, it.Body,
		it.FromName, it.FromAddress, participants, it.CreatedAt, it.UpdatedAt, it.ContentHash,
		it.IsRead, metadata, it.ThreadContext, it.MessageCount, string(it.Status), nullableVector(it.Embedding),
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func updateItem(ctx context.Context, tx pgx.Tx, it *intake.Item) error {
	participants, metadata, err := marshalItemJSON(it)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE intake_items SET
		zone = $2, type = $3, subject = $4, body = $5, from_name = $6, from_address = $7,
		participants = $8, created_at = $9, updated_at = $10, content_hash = $11, is_read = $12,
		metadata = $13, status = $14, embedding = $15
		WHERE id = $1`,
		it.ID, string(it.Zone), it.Type, it.Subject, it.Body, it.FromName, it.FromAddress,
		participants, it.CreatedAt, it.UpdatedAt, it.ContentHash, it.IsRead,
		metadata, string(it.Status), nullableVector(it.Embedding),
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*intake.Item, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM intake_items WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return it, it != nil, nil
}

// GetBySource retrieves an item by its dedup key.
func (s *Store) GetBySource(ctx context.Context, source, sourceID string) (*intake.Item, bool, error) {
	ctx, span := startSpan(ctx, "GetBySource", "SELECT")
	defer span.End()

	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM intake_items WHERE source = $1 AND source_id = $2`, source, sourceID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return it, it != nil, nil
}

// List returns items matching the filter, most recently updated first.
func (s *Store) List(ctx context.Context, f intake.Filter) ([]*intake.Item, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Zone != "" {
		add("i.zone = $%d", string(f.Zone))
	}
	if f.Source != "" {
		add("i.source = $%d", f.Source)
	}
	if f.Status != "" {
		add("i.status = $%d", string(f.Status))
	}
	if f.Priority != "" {
		add("t.priority = $%d", string(f.Priority))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = intake.DefaultListLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + prefixed("i.", itemColumns) + ` FROM intake_items i`)
	if f.Priority != "" {
		b.WriteString(` JOIN triage_results t ON t.intake_id = i.id`)
	}
	if len(where) > 0 {
		b.WriteString(` WHERE ` + strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, ` ORDER BY i.updated_at DESC, i.id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query items: %w", err))
	}
	defer rows.Close()

	var out []*intake.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate items: %w", err))
	}
	return out, nil
}

// AddMessage appends a message and bumps the owning item's message count.
func (s *Store) AddMessage(ctx context.Context, msg *intake.Message) (bool, error) {
	ctx, span := startSpan(ctx, "AddMessage", "INSERT")
	defer span.End()

	metadata, err := marshalMap(msg.Metadata)
	if err != nil {
		return false, fail(span, err)
	}
	id := msg.ID
	if id == "" {
		id = ulid.Make().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	// lock the owner so message_count stays consistent with concurrent adds
	var owner string
	err = tx.QueryRow(ctx, `SELECT id FROM intake_items WHERE id = $1 FOR UPDATE`, msg.IntakeID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fail(span, fmt.Errorf("add message to %s: %w", msg.IntakeID, intake.ErrNotFound))
	}
	if err != nil {
		return false, fail(span, fmt.Errorf("lock item: %w", err))
	}

	tag, err := tx.Exec(ctx, `INSERT INTO intake_messages
		(id, intake_id, source_message_id, ts, from_name, from_address, content, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (intake_id, source_message_id) DO NOTHING`,
		id, msg.IntakeID, msg.SourceMessageID, msg.Timestamp.UTC(), msg.FromName, msg.FromAddress, msg.Content, metadata,
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("insert message: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE intake_items SET message_count = message_count + 1 WHERE id = $1`, msg.IntakeID); err != nil {
		return false, fail(span, fmt.Errorf("bump message count: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fail(span, fmt.Errorf("commit: %w", err))
	}
	return true, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, intakeID string, limit int) ([]intake.Message, int, error) {
	ctx, span := startSpan(ctx, "RecentMessages", "SELECT")
	defer span.End()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM intake_messages WHERE intake_id = $1`, intakeID).Scan(&total); err != nil {
		return nil, 0, fail(span, fmt.Errorf("count messages: %w", err))
	}

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT id, intake_id, source_message_id, ts, from_name, from_address, content, metadata
		FROM (
			SELECT * FROM intake_messages WHERE intake_id = $1
			ORDER BY ts DESC, seq DESC LIMIT $2
		) recent
		ORDER BY ts ASC, seq ASC`, intakeID, lim)
	if err != nil {
		return nil, 0, fail(span, fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var out []intake.Message
	for rows.Next() {
		var (
			m        intake.Message
			metadata []byte
		)
		if err := rows.Scan(&m.ID, &m.IntakeID, &m.SourceMessageID, &m.Timestamp, &m.FromName, &m.FromAddress, &m.Content, &metadata); err != nil {
			return nil, 0, fail(span, fmt.Errorf("scan message: %w", err))
		}
		if m.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, 0, fail(span, err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fail(span, fmt.Errorf("iterate messages: %w", err))
	}
	return out, total, nil
}

// SetThreadContext stores the rebuilt thread context text.
func (s *Store) SetThreadContext(ctx context.Context, id, text string) error {
	ctx, span := startSpan(ctx, "SetThreadContext", "UPDATE")
	defer span.End()
	return s.updateOne(ctx, span, "set thread context", `UPDATE intake_items SET thread_context = $2 WHERE id = $1`, id, text)
}

// SetEmbedding stores the item's embedding vector.
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	ctx, span := startSpan(ctx, "SetEmbedding", "UPDATE")
	defer span.End()
	return s.updateOne(ctx, span, "set embedding", `UPDATE intake_items SET embedding = $2 WHERE id = $1`, id, nullableVector(vec))
}

func (s *Store) updateOne(ctx context.Context, span trace.Span, what, query, id string, v any) error {
	tag, err := s.pool.Exec(ctx, query, id, v)
	if err != nil {
		return fail(span, fmt.Errorf("%s: %w", what, err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%s %s: %w", what, id, intake.ErrNotFound))
	}
	return nil
}

// Candidates returns embedded items, most recently updated first, joined
// with their triage records.
func (s *Store) Candidates(ctx context.Context, q intake.CandidateQuery) ([]intake.Candidate, error) {
	ctx, span := startSpan(ctx, "Candidates", "SELECT")
	defer span.End()

	var lim *int
	if q.Limit > 0 {
		lim = &q.Limit
	}
	rows, err := s.pool.Query(ctx, `SELECT i.id, i.zone, i.subject, i.updated_at, i.embedding,
			t.intake_id, COALESCE(t.category, ''), COALESCE(t.priority, ''), COALESCE(t.quick_win, FALSE),
			COALESCE(t.quick_win_reason, ''), COALESCE(t.estimated_time, ''), COALESCE(t.confidence, 0),
			COALESCE(t.layer, ''), COALESCE(t.action, ''), COALESCE(t.reasoning, ''),
			t.triaged_at, COALESCE(t.triaged_by, '')
		FROM intake_items i
		LEFT JOIN triage_results t ON t.intake_id = i.id
		WHERE i.embedding IS NOT NULL
		  AND ($1 = '' OR i.zone = $1)
		  AND (NOT $2 OR t.intake_id IS NOT NULL)
		ORDER BY i.updated_at DESC, i.id DESC
		LIMIT $3`, string(q.Zone), q.RequireTriage, lim)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query candidates: %w", err))
	}
	defer rows.Close()

	var out []intake.Candidate
	for rows.Next() {
		var (
			c         intake.Candidate
			zone      string
			triageID  *string
			rec       intake.TriageRecord
			cat, pri  string
			effort    string
			layer     string
			action    string
			by        string
			triagedAt *time.Time
		)
		if err := rows.Scan(&c.ID, &zone, &c.Subject, &c.UpdatedAt, &c.Embedding,
			&triageID, &cat, &pri, &rec.QuickWin, &rec.QuickWinReason, &effort, &rec.Confidence,
			&layer, &action, &rec.Reasoning, &triagedAt, &by); err != nil {
			return nil, fail(span, fmt.Errorf("scan candidate: %w", err))
		}
		c.Zone = intake.Zone(zone)
		if triageID != nil {
			rec.IntakeID = *triageID
			rec.Category = intake.Category(cat)
			rec.Priority = intake.Priority(pri)
			rec.EstimatedTime = intake.Effort(effort)
			rec.Layer = intake.Layer(layer)
			rec.Action = intake.Action(action)
			rec.TriagedBy = intake.TriagedBy(by)
			if triagedAt != nil {
				rec.TriagedAt = triagedAt.UTC()
			}
			c.Triage = &rec
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate candidates: %w", err))
	}
	span.SetAttributes(attribute.Int("intake.candidates", len(out)))
	return out, nil
}

// PutTriage replaces the item's triage record and updates the item status.
func (s *Store) PutTriage(ctx context.Context, rec *intake.TriageRecord) error {
	ctx, span := startSpan(ctx, "PutTriage", "UPSERT")
	defer span.End()

	status := intake.StatusTriaged
	if rec.TriagedBy == intake.TriagedByUser {
		status = intake.StatusCorrected
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE intake_items SET status = $2 WHERE id = $1`, rec.IntakeID, string(status))
	if err != nil {
		return fail(span, fmt.Errorf("update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("put triage %s: %w", rec.IntakeID, intake.ErrNotFound))
	}

	_, err = tx.Exec(ctx, `INSERT INTO triage_results (
		intake_id, category, priority, quick_win, quick_win_reason, estimated_time,
		confidence, layer, action, reasoning, triaged_at, triaged_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (intake_id) DO UPDATE SET
		category         = EXCLUDED.category,
		priority         = EXCLUDED.priority,
		quick_win        = EXCLUDED.quick_win,
		quick_win_reason = EXCLUDED.quick_win_reason,
		estimated_time   = EXCLUDED.estimated_time,
		confidence       = EXCLUDED.confidence,
		layer            = EXCLUDED.layer,
		action           = EXCLUDED.action,
		reasoning        = EXCLUDED.reasoning,
		triaged_at       = EXCLUDED.triaged_at,
		triaged_by       = EXCLUDED.triaged_by`,
		rec.IntakeID, string(rec.Category), string(rec.Priority), rec.QuickWin, rec.QuickWinReason,
		string(rec.EstimatedTime), rec.Confidence, string(rec.Layer), string(rec.Action), rec.Reasoning,
		rec.TriagedAt.UTC(), string(rec.TriagedBy),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert triage: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// GetTriage returns the item's triage record.
func (s *Store) GetTriage(ctx context.Context, intakeID string) (*intake.TriageRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetTriage", "SELECT")
	defer span.End()

	var (
		rec                                 intake.TriageRecord
		cat, pri, effort, layer, action, by string
	)
	err := s.pool.QueryRow(ctx, `SELECT intake_id, category, priority, quick_win, quick_win_reason,
			estimated_time, confidence, layer, action, reasoning, triaged_at, triaged_by
		FROM triage_results WHERE intake_id = $1`, intakeID).Scan(
		&rec.IntakeID, &cat, &pri, &rec.QuickWin, &rec.QuickWinReason,
		&effort, &rec.Confidence, &layer, &action, &rec.Reasoning, &rec.TriagedAt, &by,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("scan triage: %w", err))
	}
	rec.Category = intake.Category(cat)
	rec.Priority = intake.Priority(pri)
	rec.EstimatedTime = intake.Effort(effort)
	rec.Layer = intake.Layer(layer)
	rec.Action = intake.Action(action)
	rec.TriagedBy = intake.TriagedBy(by)
	rec.TriagedAt = rec.TriagedAt.UTC()
	return &rec, true, nil
}

// RecordCorrection appends a correction audit row and returns its ID.
func (s *Store) RecordCorrection(ctx context.Context, c *intake.Correction) (int64, error) {
	ctx, span := startSpan(ctx, "RecordCorrection", "INSERT")
	defer span.End()

	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO triage_corrections (
		intake_id, zone, subject, original_category, original_priority,
		corrected_category, corrected_priority, reason, corrected_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		c.IntakeID, string(c.Zone), c.Subject, string(c.OriginalCategory), string(c.OriginalPriority),
		string(c.CorrectedCategory), string(c.CorrectedPriority), c.Reason, c.CorrectedAt.UTC(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return 0, fail(span, fmt.Errorf("record correction %s: %w", c.IntakeID, intake.ErrNotFound))
		}
		return 0, fail(span, fmt.Errorf("insert correction: %w", err))
	}
	return id, nil
}

// RecentCorrections returns the newest corrections first, optionally zone-scoped.
func (s *Store) RecentCorrections(ctx context.Context, zone intake.Zone, limit int) ([]intake.Correction, error) {
	ctx, span := startSpan(ctx, "RecentCorrections", "SELECT")
	defer span.End()

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT id, intake_id, zone, subject, original_category, original_priority,
			corrected_category, corrected_priority, reason, corrected_at
		FROM triage_corrections
		WHERE ($1 = '' OR zone = $1)
		ORDER BY corrected_at DESC, id DESC
		LIMIT $2`, string(zone), lim)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query corrections: %w", err))
	}
	defer rows.Close()

	var out []intake.Correction
	for rows.Next() {
		var (
			c                 intake.Correction
			z, oc, op, cc, cp string
		)
		if err := rows.Scan(&c.ID, &c.IntakeID, &z, &c.Subject, &oc, &op, &cc, &cp, &c.Reason, &c.CorrectedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan correction: %w", err))
		}
		c.Zone = intake.Zone(z)
		c.OriginalCategory = intake.Category(oc)
		c.OriginalPriority = intake.Priority(op)
		c.CorrectedCategory = intake.Category(cc)
		c.CorrectedPriority = intake.Priority(cp)
		c.CorrectedAt = c.CorrectedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate corrections: %w", err))
	}
	return out, nil
}

const syncColumns = `source, cursor, last_sync_at, last_success_at, status, items_synced, consecutive_failures, last_error`

// GetSyncState returns a source's sync state.
func (s *Store) GetSyncState(ctx context.Context, source string) (*intake.SyncState, bool, error) {
	ctx, span := startSpan(ctx, "GetSyncState", "SELECT")
	defer span.End()

	st, err := scanSyncState(s.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM sync_state WHERE source = $1`, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return st, true, nil
}

// PutSyncState upserts a source's sync state.
func (s *Store) PutSyncState(ctx context.Context, st *intake.SyncState) error {
	ctx, span := startSpan(ctx, "PutSyncState", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO sync_state (`+syncColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (source) DO UPDATE SET
			cursor               = EXCLUDED.cursor,
			last_sync_at         = EXCLUDED.last_sync_at,
			last_success_at      = EXCLUDED.last_success_at,
			status               = EXCLUDED.status,
			items_synced         = EXCLUDED.items_synced,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_error           = EXCLUDED.last_error`,
		st.Source, st.Cursor, nullableTime(st.LastSyncAt), nullableTime(st.LastSuccessAt), st.Status,
		st.ItemsSynced, st.ConsecutiveFailures, st.LastError,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert sync state: %w", err))
	}
	return nil
}

// ListSyncStates returns all sync states ordered by source.
func (s *Store) ListSyncStates(ctx context.Context) ([]intake.SyncState, error) {
	ctx, span := startSpan(ctx, "ListSyncStates", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+syncColumns+` FROM sync_state ORDER BY source`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query sync state: %w", err))
	}
	defer rows.Close()

	var out []intake.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate sync state: %w", err))
	}
	return out, nil
}

func scanSyncState(row pgx.Row) (*intake.SyncState, error) {
	var (
		st               intake.SyncState
		lastSync, lastOK *time.Time
	)
	if err := row.Scan(&st.Source, &st.Cursor, &lastSync, &lastOK, &st.Status,
		&st.ItemsSynced, &st.ConsecutiveFailures, &st.LastError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sync state: %w", err)
	}
	if lastSync != nil {
		st.LastSyncAt = lastSync.UTC()
	}
	if lastOK != nil {
		st.LastSuccessAt = lastOK.UTC()
	}
	return &st, nil
}

// scanItem scans a single item row. Returns (nil, nil) when no row is found.
func scanItem(row pgx.Row) (*intake.Item, error) {
	var (
		it                 intake.Item
		zone, status       string
		participants, meta []byte
	)
	err := row.Scan(
		&it.ID, &zone, &it.Source, &it.SourceID, &it.Type, &it.Subject, &it.Body,
		&it.FromName, &it.FromAddress, &participants, &it.CreatedAt, &it.UpdatedAt,
		&it.ContentHash, &it.IsRead, &meta, &it.ThreadContext, &it.MessageCount,
		&status, &it.Embedding,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.Zone = intake.Zone(zone)
	it.Status = intake.Status(status)
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()

	if err := json.Unmarshal(participants, &it.Participants); err != nil {
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

func marshalItemJSON(it *intake.Item) (participants, metadata []byte, err error) {
	p := it.Participants
	if p == nil {
		p = []string{}
	}
	if participants, err = json.Marshal(p); err != nil {
		return nil, nil, fmt.Errorf("marshal participants: %w", err)
	}
	if metadata, err = marshalMap(it.Metadata); err != nil {
		return nil, nil, err
	}
	return participants, metadata, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	var m map[string]any
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

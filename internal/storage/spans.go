package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ollyllm/ollyllm/internal/model"
)

// spanCopyTimeout bounds the COPY of a single span batch so a stalled
// Postgres cannot pin a pooled connection indefinitely.
const spanCopyTimeout = 30 * time.Second

var spanColumns = []string{
	"id", "trace_id", "ts_start", "ts_end", "operation_name",
	"parent_span_id", "external_uuid", "created_at",
}

// InsertSpanBatch stores every span in one transaction using the COPY protocol.
// Either all rows become visible or none do: a duplicate id, a violated check
// constraint or a cancelled context rolls the whole batch back. Rows are sent
// in slice order. Parent and trace references are not checked here.
func (db *DB) InsertSpanBatch(ctx context.Context, spans []model.Span) (int64, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(spans))
	for i, s := range spans {
		rows[i] = []any{
			s.ID,
			s.TraceID,
			s.StartedAt,
			s.EndedAt,
			s.OperationName,
			nullIfEmpty(s.ParentID),
			s.ExternalUUID,
			now,
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin span batch", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	copyCtx, copyCancel := context.WithTimeout(ctx, spanCopyTimeout)
	count, err := tx.CopyFrom(copyCtx, pgx.Identifier{"span"}, spanColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, wrap("copy span batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit span batch", err)
	}
	return count, nil
}

// GetTrace returns all spans sharing traceID, ordered by start time.
// Returns ErrNotFound when the trace has no spans.
func (db *DB) GetTrace(ctx context.Context, traceID string) ([]model.Span, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, ts_start, ts_end, operation_name, parent_span_id, external_uuid, created_at
		 FROM span WHERE trace_id = $1
		 ORDER BY ts_start ASC, id ASC`, traceID)
	if err != nil {
		return nil, wrap("get trace", err)
	}
	spans, err := scanSpans(rows)
	if err != nil {
		return nil, wrap("get trace", err)
	}
	if len(spans) == 0 {
		return nil, ErrNotFound
	}
	return spans, nil
}

// FindOrphanSpans returns spans of traceID whose parent_span_id does not
// resolve to any stored span. The parent may belong to another trace; only a
// parent missing everywhere makes an orphan. Parents may still arrive later,
// so an orphan today is not necessarily an error.
func (db *DB) FindOrphanSpans(ctx context.Context, traceID string) ([]model.Span, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.trace_id, c.ts_start, c.ts_end, c.operation_name, c.parent_span_id, c.external_uuid, c.created_at
		 FROM span c
		 WHERE c.trace_id = $1
		   AND c.parent_span_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM span p WHERE p.id = c.parent_span_id)
		 ORDER BY c.ts_start ASC, c.id ASC`, traceID)
	if err != nil {
		return nil, wrap("find orphan spans", err)
	}
	spans, err := scanSpans(rows)
	if err != nil {
		return nil, wrap("find orphan spans", err)
	}
	return spans, nil
}

func scanSpans(rows pgx.Rows) ([]model.Span, error) {
	defer rows.Close()
	var spans []model.Span
	for rows.Next() {
		var (
			s      model.Span
			parent *string
		)
		if err := rows.Scan(
			&s.ID, &s.TraceID, &s.StartedAt, &s.EndedAt, &s.OperationName,
			&parent, &s.ExternalUUID, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		if parent != nil {
			s.ParentID = *parent
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ollyllm/ollyllm/internal/model"
)

// InsertLogs stores log lines in one transaction and returns their ids in
// input order. A log whose span does not exist fails the whole batch with
// ErrNotFound (enforced by the log.span_id foreign key).
func (db *DB) InsertLogs(ctx context.Context, logs []model.Log) ([]int64, error) {
	if len(logs) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, wrap("begin insert logs", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`INSERT INTO log (ts, message, span_id) VALUES ($1, $2, $3) RETURNING id`,
			l.Timestamp, l.Message, l.SpanID)
	}

	ids := make([]int64, 0, len(logs))
	br := tx.SendBatch(ctx, batch)
	for range logs {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return nil, wrap("insert log", err)
		}
		ids = append(ids, id)
	}
	if err := br.Close(); err != nil {
		return nil, wrap("insert logs", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit insert logs", err)
	}
	return ids, nil
}

// GetTraceLogs returns the log lines of every span in traceID ordered by
// timestamp. A trace without logs yields an empty slice.
func (db *DB) GetTraceLogs(ctx context.Context, traceID string) ([]model.Log, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.id, l.span_id, l.ts, l.message
		 FROM log l JOIN span s ON s.id = l.span_id
		 WHERE s.trace_id = $1
		 ORDER BY l.ts ASC, l.id ASC`, traceID)
	if err != nil {
		return nil, wrap("get trace logs", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Log, error) {
		var l model.Log
		err := row.Scan(&l.ID, &l.SpanID, &l.Timestamp, &l.Message)
		return l, err
	})
	if err != nil {
		return nil, wrap("get trace logs", err)
	}
	return logs, nil
}

package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ollyllm/ollyllm/internal/model"
)

const queueColumns = `id, session_id, test_registration_id, version, test_version_id,
	request_timestamp, request_timestamp_nanos, test_input, status, claimed_by, claimed_at, finished_at, created_at`

// splitRequestTimestamp splits t into the microsecond value TIMESTAMPTZ can
// hold and the nanosecond remainder stored next to it.
func splitRequestTimestamp(t time.Time) (time.Time, int16) {
	micros := t.Truncate(time.Microsecond)
	return micros, int16(t.Sub(micros))
}

// EnqueueTestExecution resolves the referenced test version and appends the
// request to the durable queue in a single statement. The row is committed
// before this returns. Returns ErrNotFound when the (registration, version)
// pair does not exist. Requests are not deduplicated.
func (db *DB) EnqueueTestExecution(ctx context.Context, req model.TestExecutionRequest) (model.QueuedTest, error) {
	if req.Test.ID <= 0 || req.Test.ID > math.MaxInt32 {
		return model.QueuedTest{}, ErrNotFound
	}
	input := req.TestInput
	if input == nil {
		input = []byte{}
	}

	requestTS, requestNanos := splitRequestTimestamp(req.RequestTimestamp)

	rows, err := db.pool.Query(ctx,
		`INSERT INTO test_execution_queue
		     (session_id, test_registration_id, version, test_version_id,
		      request_timestamp, request_timestamp_nanos, test_input)
		 SELECT $1, tv.test_registration_id, $3, tv.id, $4, $7, $5
		 FROM test_version tv
		 WHERE tv.test_registration_id = $2 AND tv.version = $6
		 RETURNING `+queueColumns,
		req.SessionID, int32(req.Test.ID), req.Test.Version, requestTS, input, req.Test.VersionLabel(), requestNanos,
	)
	if err != nil {
		return model.QueuedTest{}, wrap("enqueue test execution", err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, scanQueuedTest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueuedTest{}, ErrNotFound
		}
		return model.QueuedTest{}, wrap("enqueue test execution", err)
	}
	return entry, nil
}

// FetchNextQueuedTest claims the oldest queued entry for workerID and returns it.
// Entries are ordered by request_timestamp to the nanosecond, ties broken by
// insertion order.
// The claim is a single UPDATE over a FOR UPDATE SKIP LOCKED subselect, so
// concurrent callers never receive the same entry. Returns ErrQueueEmpty when
// nothing is queued.
func (db *DB) FetchNextQueuedTest(ctx context.Context, workerID string) (model.QueuedTest, error) {
	var entry model.QueuedTest
	err := WithRetry(ctx, claimMaxRetries, claimBaseDelay, func() error {
		rows, err := db.pool.Query(ctx,
			`UPDATE test_execution_queue
			 SET status = 'claimed', claimed_by = $1, claimed_at = now()
			 WHERE id = (
			     SELECT id FROM test_execution_queue
			     WHERE status = 'queued'
			     ORDER BY request_timestamp ASC, request_timestamp_nanos ASC, id ASC
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+queueColumns,
			workerID,
		)
		if err != nil {
			return err
		}
		entry, err = pgx.CollectExactlyOneRow(rows, scanQueuedTest)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueuedTest{}, ErrQueueEmpty
		}
		return model.QueuedTest{}, wrap("fetch next queued test", err)
	}
	return entry, nil
}

// FinishQueuedTest moves an entry claimed by workerID to a terminal status.
// Returns ErrNotFound if the entry does not exist and ErrInvalidTransition if
// it is not currently claimed by workerID.
func (db *DB) FinishQueuedTest(ctx context.Context, id int64, workerID string, status model.QueueStatus) (model.QueuedTest, error) {
	if !status.Terminal() {
		return model.QueuedTest{}, ErrInvalidTransition
	}
	rows, err := db.pool.Query(ctx,
		`UPDATE test_execution_queue
		 SET status = $3, finished_at = now()
		 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2
		 RETURNING `+queueColumns,
		id, workerID, string(status),
	)
	if err != nil {
		return model.QueuedTest{}, wrap("finish queued test", err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, scanQueuedTest)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.QueuedTest{}, wrap("finish queued test", err)
	}

	// Nothing updated: tell a missing entry apart from a wrong state or owner.
	if _, err := db.GetQueuedTest(ctx, id); err != nil {
		return model.QueuedTest{}, err
	}
	return model.QueuedTest{}, ErrInvalidTransition
}

// AbandonStaleClaims marks entries claimed longer than olderThan ago as
// abandoned and returns how many were affected. Abandoned entries are
// terminal and are never handed out again.
func (db *DB) AbandonStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE test_execution_queue
		 SET status = 'abandoned', finished_at = now()
		 WHERE status = 'claimed'
		   AND claimed_at < now() - ($1::bigint * interval '1 millisecond')`,
		olderThan.Milliseconds(),
	)
	if err != nil {
		return 0, wrap("abandon stale claims", err)
	}
	return tag.RowsAffected(), nil
}

// GetQueuedTest returns a queue entry by id.
func (db *DB) GetQueuedTest(ctx context.Context, id int64) (model.QueuedTest, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+queueColumns+` FROM test_execution_queue WHERE id = $1`, id)
	if err != nil {
		return model.QueuedTest{}, wrap("get queued test", err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, scanQueuedTest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueuedTest{}, ErrNotFound
		}
		return model.QueuedTest{}, wrap("get queued test", err)
	}
	return entry, nil
}

// QueueDepth returns the number of entries per status. Statuses with no
// entries are omitted.
func (db *DB) QueueDepth(ctx context.Context) (map[model.QueueStatus]int64, error) {
	rows, err := db.pool.Query(ctx, `SELECT status, COUNT(*) FROM test_execution_queue GROUP BY status`)
	if err != nil {
		return nil, wrap("queue depth", err)
	}
	defer rows.Close()

	depth := make(map[model.QueueStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap("scan queue depth", err)
		}
		depth[model.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("queue depth", err)
	}
	return depth, nil
}

func scanQueuedTest(row pgx.CollectableRow) (model.QueuedTest, error) {
	var (
		q              model.QueuedTest
		registrationID int32
		requestNanos   int16
		status         string
	)
	err := row.Scan(
		&q.ID, &q.SessionID, &registrationID, &q.Test.Version, &q.TestVersionID,
		&q.RequestTimestamp, &requestNanos, &q.TestInput, &status, &q.ClaimedBy, &q.ClaimedAt, &q.FinishedAt, &q.CreatedAt,
	)
	q.RequestTimestamp = q.RequestTimestamp.Add(time.Duration(requestNanos))
	q.Test.ID = int64(registrationID)
	q.Status = model.QueueStatus(status)
	return q, err
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds. Every error returned by this package wraps at most one of these,
// so callers can classify with errors.Is without inspecting Postgres codes.
var (
	// ErrNotFound is returned when a requested or referenced entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a row violates a uniqueness constraint.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalid is returned when a row violates a check or not-null constraint.
	ErrInvalid = errors.New("storage: invalid row")
	// ErrUnavailable is returned when the statement provably had no effect:
	// the connection could not be established, the driver never sent it, or
	// the server rejected it as a transient conflict. Safe to retry.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrQueueEmpty is returned by FetchNextQueuedTest when nothing is queued.
	ErrQueueEmpty = errors.New("storage: queue empty")
	// ErrInvalidTransition is returned when a queue entry is not in a state
	// that permits the requested transition.
	ErrInvalidTransition = errors.New("storage: invalid queue transition")
)

// wrap prefixes err with the operation name and attaches its error kind.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := kindOf(err); kind != nil {
		return fmt.Errorf("storage: %s: %w: %w", op, kind, err)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

// kindOf maps a driver error to one of the package error kinds, or nil when
// the error should be treated as internal.
//
// A connection that fails after a statement or COMMIT was sent is not
// ErrUnavailable: the write may have been applied, and a retry could
// duplicate it.
func kindOf(err error) error {
	// Cancellation is reported as-is; the caller went away.
	if errors.Is(err, context.Canceled) {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrConflict
		case "23503": // foreign_key_violation
			return ErrNotFound
		case "23502", // not_null_violation
			"23514", // check_violation
			"22001", // string_data_right_truncation
			"22003", // numeric_value_out_of_range
			"22007", // invalid_datetime_format
			"22008", // datetime_field_overflow
			"22021", // character_not_in_repertoire
			"22P02", // invalid_text_representation
			"22P05": // untranslatable_character
			return ErrInvalid
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03": // cannot_connect_now
			return ErrUnavailable
		}
		if strings.HasPrefix(pgErr.Code, "08") { // connection_exception class
			return ErrUnavailable
		}
		return nil
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return ErrUnavailable
	}
	if pgconn.SafeToRetry(err) {
		return ErrUnavailable
	}
	return nil
}

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Field length limits for span and log fields. They keep a single caller from
// filling TEXT columns with unbounded data.
const (
	MaxSpanIDLen        = 256
	MaxOperationNameLen = 1024
	MaxLogMessageLen    = 64 * 1024 // 64 KB
)

// Span is a timed unit of work inside a trace. Immutable once stored.
//
// TraceID and ParentID are soft references: the parent may arrive in a later
// batch, or never. An empty ParentID marks a root span.
type Span struct {
	ID            string     `json:"id"`
	TraceID       string     `json:"trace_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	OperationName string     `json:"operation_name"`
	StartedAt     time.Time  `json:"start_timestamp"`
	EndedAt       *time.Time `json:"end_timestamp,omitempty"`
	ExternalUUID  *uuid.UUID `json:"external_uuid,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentID == ""
}

// Open reports whether the span has not ended yet.
func (s Span) Open() bool {
	return s.EndedAt == nil
}

// Log is a timestamped message attached to exactly one span.
type Log struct {
	ID        int64     `json:"id"`
	SpanID    string    `json:"span_id"`
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
}

// FieldError describes one invalid field in a request. Field uses a path such
// as "spans[2].end_timestamp".
type FieldError struct {
	Field       string
	Description string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Description
}

func fieldErr(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Description: fmt.Sprintf(format, args...)}
}

// hasNUL reports whether s contains a NUL byte. Postgres TEXT cannot store one.
func hasNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}

// nulErr is the violation reported for a field containing a NUL byte.
func nulErr(field string) *FieldError {
	return fieldErr(field, "must not contain NUL bytes")
}

// ValidateSpan checks a single span. prefix is prepended to every field path.
// All violations are collected; the result is nil or a *multierror.Error of
// *FieldError values.
func ValidateSpan(prefix string, s Span) error {
	var merr *multierror.Error
	switch {
	case s.ID == "":
		merr = multierror.Append(merr, fieldErr(prefix+"id", "must not be empty"))
	case len(s.ID) > MaxSpanIDLen:
		merr = multierror.Append(merr, fieldErr(prefix+"id", "exceeds maximum length of %d bytes", MaxSpanIDLen))
	case hasNUL(s.ID):
		merr = multierror.Append(merr, nulErr(prefix+"id"))
	}
	switch {
	case s.TraceID == "":
		merr = multierror.Append(merr, fieldErr(prefix+"trace_id", "must not be empty"))
	case len(s.TraceID) > MaxSpanIDLen:
		merr = multierror.Append(merr, fieldErr(prefix+"trace_id", "exceeds maximum length of %d bytes", MaxSpanIDLen))
	case hasNUL(s.TraceID):
		merr = multierror.Append(merr, nulErr(prefix+"trace_id"))
	}
	switch {
	case len(s.ParentID) > MaxSpanIDLen:
		merr = multierror.Append(merr, fieldErr(prefix+"parent_id", "exceeds maximum length of %d bytes", MaxSpanIDLen))
	case hasNUL(s.ParentID):
		merr = multierror.Append(merr, nulErr(prefix+"parent_id"))
	case s.ParentID != "" && s.ParentID == s.ID:
		merr = multierror.Append(merr, fieldErr(prefix+"parent_id", "span cannot be its own parent"))
	}
	switch {
	case len(s.OperationName) > MaxOperationNameLen:
		merr = multierror.Append(merr, fieldErr(prefix+"operation_name", "exceeds maximum length of %d bytes", MaxOperationNameLen))
	case hasNUL(s.OperationName):
		merr = multierror.Append(merr, nulErr(prefix+"operation_name"))
	}
	if s.StartedAt.IsZero() {
		merr = multierror.Append(merr, fieldErr(prefix+"start_timestamp", "is required"))
	} else if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		merr = multierror.Append(merr, fieldErr(prefix+"end_timestamp", "precedes start_timestamp"))
	}
	return merr.ErrorOrNil()
}

// ValidateTraceID checks a trace id used as a lookup key.
func ValidateTraceID(traceID string) error {
	switch {
	case traceID == "":
		return multierror.Append(nil, fieldErr("trace_id", "must not be empty"))
	case len(traceID) > MaxSpanIDLen:
		return multierror.Append(nil, fieldErr("trace_id", "exceeds maximum length of %d bytes", MaxSpanIDLen))
	case hasNUL(traceID):
		return multierror.Append(nil, nulErr("trace_id"))
	}
	return nil
}

// ValidateSpanBatch checks every span in a batch and rejects empty batches,
// batches over maxSpans (when maxSpans > 0) and duplicate ids within the batch.
func ValidateSpanBatch(spans []Span, maxSpans int) error {
	if len(spans) == 0 {
		return multierror.Append(nil, fieldErr("spans", "must contain at least one span"))
	}
	if maxSpans > 0 && len(spans) > maxSpans {
		return multierror.Append(nil, fieldErr("spans", "batch of %d spans exceeds limit of %d", len(spans), maxSpans))
	}

	var merr *multierror.Error
	seen := make(map[string]int, len(spans))
	for i, s := range spans {
		prefix := fmt.Sprintf("spans[%d].", i)
		if err := ValidateSpan(prefix, s); err != nil {
			merr = multierror.Append(merr, err)
		}
		if s.ID == "" {
			continue
		}
		if first, dup := seen[s.ID]; dup {
			merr = multierror.Append(merr, fieldErr(prefix+"id", "duplicates spans[%d].id", first))
			continue
		}
		seen[s.ID] = i
	}
	return merr.ErrorOrNil()
}

// ValidateLogBatch checks a batch of log lines before insertion.
func ValidateLogBatch(logs []Log) error {
	if len(logs) == 0 {
		return multierror.Append(nil, fieldErr("logs", "must contain at least one log"))
	}
	var merr *multierror.Error
	for i, l := range logs {
		prefix := fmt.Sprintf("logs[%d].", i)
		if l.SpanID == "" {
			merr = multierror.Append(merr, fieldErr(prefix+"span_id", "must not be empty"))
		} else if hasNUL(l.SpanID) {
			merr = multierror.Append(merr, nulErr(prefix+"span_id"))
		}
		if l.Timestamp.IsZero() {
			merr = multierror.Append(merr, fieldErr(prefix+"ts", "is required"))
		}
		if len(l.Message) > MaxLogMessageLen {
			merr = multierror.Append(merr, fieldErr(prefix+"message", "exceeds maximum length of %d bytes", MaxLogMessageLen))
		} else if hasNUL(l.Message) {
			merr = multierror.Append(merr, nulErr(prefix+"message"))
		}
	}
	return merr.ErrorOrNil()
}

// FieldErrors flattens a validation error into its field violations.
// Errors that are not *FieldError are reported under an empty field.
func FieldErrors(err error) []*FieldError {
	if err == nil {
		return nil
	}
	var out []*FieldError
	var walk func(error)
	walk = func(e error) {
		switch v := e.(type) {
		case *multierror.Error:
			for _, inner := range v.Errors {
				walk(inner)
			}
		case *FieldError:
			out = append(out, v)
		default:
			out = append(out, &FieldError{Description: e.Error()})
		}
	}
	walk(err)
	return out
}

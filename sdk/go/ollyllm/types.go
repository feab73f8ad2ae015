package ollyllm

import (
	"time"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
)

// Wire types re-exported so callers need a single import.
type (
	Span                 = ollyllmv1.Span
	LogEntry             = ollyllmv1.LogEntry
	VersionedTest        = ollyllmv1.VersionedTest
	TestExecutionRequest = ollyllmv1.TestExecutionRequest
	QueuedTest           = ollyllmv1.QueuedTest
	TestRegistration     = ollyllmv1.TestRegistration
	TestVersion          = ollyllmv1.TestVersion
)

// Terminal statuses accepted by FinishTest.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Trace is the result of GetTrace.
type Trace struct {
	// Spans are ordered by start time.
	Spans []Span
	// OrphanIDs lists spans whose parent has not been reported.
	OrphanIDs []string
	// Logs is set when the trace was fetched WithLogs.
	Logs []LogEntry
}

// Test is the result of GetTest.
type Test struct {
	Registration TestRegistration
	Versions     []TestVersion
}

// NewSpan returns a span that starts now in the given trace. parentID is
// empty for a root span.
func NewSpan(traceID, id, parentID, operation string) Span {
	return Span{
		ID:             id,
		TraceID:        traceID,
		ParentID:       parentID,
		OperationName:  operation,
		StartTimestamp: time.Now().UTC(),
	}
}

// End returns a copy of s ended at t.
func End(s Span, t time.Time) Span {
	t = t.UTC()
	s.EndTimestamp = &t
	return s
}

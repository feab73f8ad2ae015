// Package ollyllmv1 defines the wire contract of the ollyllm.v1.OllyllmService
// gRPC service: request and response messages, the service descriptor, and a
// typed client. Messages travel as JSON (see CodecName).
package ollyllmv1

import (
	"encoding/json"
	"time"
)

// Span is one reported span. ParentID is empty for a root span; ExternalUUID
// is empty when the span has no external correlation id.
type Span struct {
	ID             string     `json:"id"`
	TraceID        string     `json:"trace_id"`
	ParentID       string     `json:"parent_id,omitempty"`
	OperationName  string     `json:"operation_name"`
	StartTimestamp time.Time  `json:"start_timestamp"`
	EndTimestamp   *time.Time `json:"end_timestamp,omitempty"`
	ExternalUUID   string     `json:"external_uuid,omitempty"`
}

// ReportSpanRequest carries a non-empty, ordered batch of spans that is
// stored all-or-nothing.
type ReportSpanRequest struct {
	Spans []Span `json:"spans"`
}

// Ack is the empty acknowledgement returned by write operations.
type Ack struct{}

// VersionedTest names a test registration and one of its versions.
type VersionedTest struct {
	ID      int64 `json:"id"`
	Version int64 `json:"version"`
}

// TestExecutionRequest asks for a versioned test to be queued for a session.
type TestExecutionRequest struct {
	SessionID        int64          `json:"session_id"`
	VersionedTest    *VersionedTest `json:"versioned_test"`
	RequestTimestamp time.Time      `json:"request_timestamp"`
	TestInput        []byte         `json:"test_input"`
}

// LogEntry is a message attached to an existing span.
type LogEntry struct {
	SpanID    string    `json:"span_id"`
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
}

// ReportLogsRequest carries log lines stored all-or-nothing.
type ReportLogsRequest struct {
	Logs []LogEntry `json:"logs"`
}

// RegisterTestRequest registers a test artifact. Metadata is opaque JSON.
type RegisterTestRequest struct {
	BlobURL  string          `json:"blob_url"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// RegisterTestResponse returns the new registration id.
type RegisterTestResponse struct {
	ID int32 `json:"id"`
}

// CreateTestVersionRequest adds a version to an existing registration.
type CreateTestVersionRequest struct {
	TestRegistrationID int32  `json:"test_registration_id"`
	Name               string `json:"name"`
	Version            string `json:"version"`
}

// CreateTestVersionResponse returns the new test version id.
type CreateTestVersionResponse struct {
	ID int32 `json:"id"`
}

// ClaimTestRequest asks for the next queued test on behalf of WorkerID.
type ClaimTestRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimTestResponse holds the claimed entry. Found is false when the queue
// was empty.
type ClaimTestResponse struct {
	Found bool        `json:"found"`
	Test  *QueuedTest `json:"test,omitempty"`
}

// QueuedTest is a claimed queue entry as seen by a worker.
type QueuedTest struct {
	QueueID          int64         `json:"queue_id"`
	SessionID        int64         `json:"session_id"`
	VersionedTest    VersionedTest `json:"versioned_test"`
	RequestTimestamp time.Time     `json:"request_timestamp"`
	TestInput        []byte        `json:"test_input"`
	ClaimedAt        time.Time     `json:"claimed_at"`
}

// FinishTestRequest records the terminal status of a claimed entry.
// Status is one of "completed", "failed" or "abandoned".
type FinishTestRequest struct {
	QueueID  int64  `json:"queue_id"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// GetTraceRequest asks for every span of a trace. IncludeLogs adds the log
// lines attached to those spans.
type GetTraceRequest struct {
	TraceID     string `json:"trace_id"`
	IncludeLogs bool   `json:"include_logs,omitempty"`
}

// GetTraceResponse lists the spans of a trace ordered by start time.
// OrphanIDs names spans whose parent has not been reported in any trace.
// Logs is ordered by timestamp and only set when requested.
type GetTraceResponse struct {
	Spans     []Span     `json:"spans"`
	OrphanIDs []string   `json:"orphan_ids,omitempty"`
	Logs      []LogEntry `json:"logs,omitempty"`
}

// GetTestRequest looks up a registration. When Version is set only that
// version is returned, and an unknown version is NotFound.
type GetTestRequest struct {
	TestRegistrationID int32  `json:"test_registration_id"`
	Version            string `json:"version,omitempty"`
}

// TestRegistration is a stored test artifact.
type TestRegistration struct {
	ID        int32           `json:"id"`
	BlobURL   string          `json:"blob_url"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TestVersion is one version of a registration.
type TestVersion struct {
	ID        int32     `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// GetTestResponse holds a registration and its versions, oldest first.
type GetTestResponse struct {
	Registration TestRegistration `json:"registration"`
	Versions     []TestVersion    `json:"versions"`
}

package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// QueueStatus is the lifecycle state of a queued test execution.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusClaimed   QueueStatus = "claimed"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusAbandoned QueueStatus = "abandoned"
)

// Terminal reports whether no further transitions are allowed from s.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusAbandoned:
		return true
	default:
		return false
	}
}

// ParseQueueStatus converts a wire value to a QueueStatus.
func ParseQueueStatus(v string) (QueueStatus, bool) {
	switch s := QueueStatus(v); s {
	case QueueStatusQueued, QueueStatusClaimed, QueueStatusCompleted, QueueStatusFailed, QueueStatusAbandoned:
		return s, true
	default:
		return "", false
	}
}

// TestRegistration is a named test artifact stored at BlobURL. Immutable.
// Metadata is opaque JSON and is never interpreted by the service.
type TestRegistration struct {
	ID        int32           `json:"id"`
	BlobURL   string          `json:"blob_url"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TestVersion is one version of a TestRegistration.
type TestVersion struct {
	ID                 int32     `json:"id"`
	TestRegistrationID int32     `json:"test_registration_id"`
	Name               string    `json:"name"`
	Version            string    `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// VersionedTest identifies a test by its registration id and version number.
type VersionedTest struct {
	ID      int64 `json:"id"`
	Version int64 `json:"version"`
}

// VersionLabel is the test_version.version value this pair resolves to.
func (v VersionedTest) VersionLabel() string {
	return strconv.FormatInt(v.Version, 10)
}

// TestExecutionRequest asks for a versioned test to be run for a session.
type TestExecutionRequest struct {
	SessionID        int64         `json:"session_id"`
	Test             VersionedTest `json:"versioned_test"`
	RequestTimestamp time.Time     `json:"request_timestamp"`
	TestInput        []byte        `json:"test_input"`
}

// QueuedTest is a persisted TestExecutionRequest together with its queue state.
type QueuedTest struct {
	ID               int64         `json:"id"`
	SessionID        int64         `json:"session_id"`
	Test             VersionedTest `json:"versioned_test"`
	TestVersionID    int32         `json:"test_version_id"`
	RequestTimestamp time.Time     `json:"request_timestamp"`
	TestInput        []byte        `json:"test_input"`
	Status           QueueStatus   `json:"status"`
	ClaimedBy        *string       `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time    `json:"claimed_at,omitempty"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
	"github.com/ollyllm/ollyllm/internal/model"
)

// spansFromWire converts reported spans. Malformed external UUIDs are
// returned as field errors alongside the converted batch.
func spansFromWire(in []ollyllmv1.Span) ([]model.Span, error) {
	var merr *multierror.Error
	out := make([]model.Span, len(in))
	for i, s := range in {
		out[i] = model.Span{
			ID:            s.ID,
			TraceID:       s.TraceID,
			ParentID:      s.ParentID,
			OperationName: s.OperationName,
			StartedAt:     s.StartTimestamp,
			EndedAt:       s.EndTimestamp,
		}
		if s.ExternalUUID == "" {
			continue
		}
		id, err := uuid.Parse(s.ExternalUUID)
		if err != nil {
			merr = multierror.Append(merr, &model.FieldError{
				Field:       fmt.Sprintf("spans[%d].external_uuid", i),
				Description: "must be a UUID",
			})
			continue
		}
		out[i].ExternalUUID = &id
	}
	return out, merr.ErrorOrNil()
}

func spanToWire(s model.Span) ollyllmv1.Span {
	out := ollyllmv1.Span{
		ID:             s.ID,
		TraceID:        s.TraceID,
		ParentID:       s.ParentID,
		OperationName:  s.OperationName,
		StartTimestamp: s.StartedAt.UTC(),
	}
	if s.EndedAt != nil {
		end := s.EndedAt.UTC()
		out.EndTimestamp = &end
	}
	if s.ExternalUUID != nil {
		out.ExternalUUID = s.ExternalUUID.String()
	}
	return out
}

func logsFromWire(in []ollyllmv1.LogEntry) []model.Log {
	out := make([]model.Log, len(in))
	for i, l := range in {
		out[i] = model.Log{SpanID: l.SpanID, Timestamp: l.Timestamp, Message: l.Message}
	}
	return out
}

// logsToWire converts stored log lines; nil stays nil.
func logsToWire(in []model.Log) []ollyllmv1.LogEntry {
	if in == nil {
		return nil
	}
	out := make([]ollyllmv1.LogEntry, len(in))
	for i, l := range in {
		out[i] = ollyllmv1.LogEntry{SpanID: l.SpanID, Timestamp: l.Timestamp.UTC(), Message: l.Message}
	}
	return out
}

func registrationToWire(r model.TestRegistration) ollyllmv1.TestRegistration {
	return ollyllmv1.TestRegistration{
		ID:        r.ID,
		BlobURL:   r.BlobURL,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func versionsToWire(in []model.TestVersion) []ollyllmv1.TestVersion {
	out := make([]ollyllmv1.TestVersion, len(in))
	for i, v := range in {
		out[i] = ollyllmv1.TestVersion{ID: v.ID, Name: v.Name, Version: v.Version, CreatedAt: v.CreatedAt.UTC()}
	}
	return out
}

// executionRequestFromWire converts a QueueTest request. A missing
// versioned_test is reported as a field error.
func executionRequestFromWire(in *ollyllmv1.TestExecutionRequest) (model.TestExecutionRequest, error) {
	req := model.TestExecutionRequest{
		SessionID:        in.SessionID,
		RequestTimestamp: in.RequestTimestamp,
		TestInput:        in.TestInput,
	}
	if in.VersionedTest == nil {
		return req, multierror.Append(nil, &model.FieldError{Field: "versioned_test", Description: "is required"})
	}
	req.Test = model.VersionedTest{ID: in.VersionedTest.ID, Version: in.VersionedTest.Version}
	return req, nil
}

func queuedTestToWire(q model.QueuedTest) *ollyllmv1.QueuedTest {
	out := &ollyllmv1.QueuedTest{
		QueueID:          q.ID,
		SessionID:        q.SessionID,
		VersionedTest:    ollyllmv1.VersionedTest{ID: q.Test.ID, Version: q.Test.Version},
		RequestTimestamp: q.RequestTimestamp.UTC(),
		TestInput:        q.TestInput,
	}
	if q.ClaimedAt != nil {
		out.ClaimedAt = q.ClaimedAt.UTC()
	} else {
		out.ClaimedAt = time.Now().UTC()
	}
	return out
}

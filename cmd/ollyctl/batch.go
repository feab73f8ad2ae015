package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ollyllm/ollyllm/internal/model"
	client "github.com/ollyllm/ollyllm/sdk/go/ollyllm"
)

// spanBatchFile is the YAML layout accepted by report-spans:
//
//	trace_id: checkout-1
//	spans:
//	  - id: root
//	    operation: handle request
//	    start: 2024-05-01T10:00:00Z
//	    end: 2024-05-01T10:00:02Z
//	  - id: llm
//	    parent: root
//	    operation: call model
//	    start: 2024-05-01T10:00:00.5Z
//
// A span without its own trace_id inherits the file's.
type spanBatchFile struct {
	TraceID string         `yaml:"trace_id"`
	Spans   []spanFileItem `yaml:"spans"`
}

type spanFileItem struct {
	ID           string     `yaml:"id"`
	TraceID      string     `yaml:"trace_id"`
	Parent       string     `yaml:"parent"`
	Operation    string     `yaml:"operation"`
	Start        time.Time  `yaml:"start"`
	End          *time.Time `yaml:"end"`
	ExternalUUID string     `yaml:"external_uuid"`
}

// readSpanBatch decodes a batch file. Unknown keys are rejected so typos
// do not silently drop fields.
func readSpanBatch(r io.Reader) ([]client.Span, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f spanBatchFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("batch file is empty")
		}
		return nil, fmt.Errorf("decode batch file: %w", err)
	}
	if len(f.Spans) == 0 {
		return nil, errors.New("batch file has no spans")
	}

	out := make([]client.Span, len(f.Spans))
	for i, s := range f.Spans {
		traceID := s.TraceID
		if traceID == "" {
			traceID = f.TraceID
		}
		if s.ExternalUUID != "" {
			if _, err := uuid.Parse(s.ExternalUUID); err != nil {
				return nil, fmt.Errorf("spans[%d].external_uuid: %w", i, err)
			}
		}
		out[i] = client.Span{
			ID:             s.ID,
			TraceID:        traceID,
			ParentID:       s.Parent,
			OperationName:  s.Operation,
			StartTimestamp: s.Start.UTC(),
			ExternalUUID:   s.ExternalUUID,
		}
		if s.End != nil {
			end := s.End.UTC()
			out[i].EndTimestamp = &end
		}
	}
	return out, nil
}

// toModelSpans converts wire spans for local rendering.
func toModelSpans(in []client.Span) []model.Span {
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
		if s.ExternalUUID != "" {
			if id, err := uuid.Parse(s.ExternalUUID); err == nil {
				out[i].ExternalUUID = &id
			}
		}
	}
	return out
}

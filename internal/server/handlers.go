package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc/codes"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
	"github.com/ollyllm/ollyllm/internal/model"
	"github.com/ollyllm/ollyllm/internal/service/trace"
	"github.com/ollyllm/ollyllm/internal/storage"
)

// Handlers implements ollyllmv1.OllyllmServiceServer. Every request is
// validated in full before the gateway is called.
type Handlers struct {
	gw            Gateway
	traces        *trace.Service
	logger        *slog.Logger
	maxBatchSpans int
}

// HandlersDeps holds the dependencies for Handlers.
type HandlersDeps struct {
	Gateway       Gateway
	Logger        *slog.Logger
	MaxBatchSpans int // <= 0 means unlimited.
}

// NewHandlers creates the RPC handlers.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		gw:            deps.Gateway,
		traces:        trace.NewService(deps.Gateway),
		logger:        deps.Logger,
		maxBatchSpans: deps.MaxBatchSpans,
	}
}

var _ ollyllmv1.OllyllmServiceServer = (*Handlers)(nil)

// ReportSpan stores a batch of spans atomically.
func (h *Handlers) ReportSpan(ctx context.Context, req *ollyllmv1.ReportSpanRequest) (*ollyllmv1.Ack, error) {
	spans, convErr := spansFromWire(req.Spans)
	if err := multierror.Append(convErr, model.ValidateSpanBatch(spans, h.maxBatchSpans)).ErrorOrNil(); err != nil {
		return nil, invalidArgument(err)
	}

	if _, err := h.gw.InsertSpanBatch(ctx, spans); err != nil {
		return nil, h.storageError(ctx, "insert span batch", err, map[error]failure{
			storage.ErrConflict: {codes.InvalidArgument, "span id already reported"},
		})
	}
	return &ollyllmv1.Ack{}, nil
}

// QueueTest durably enqueues a test execution request.
func (h *Handlers) QueueTest(ctx context.Context, req *ollyllmv1.TestExecutionRequest) (*ollyllmv1.Ack, error) {
	execReq, convErr := executionRequestFromWire(req)
	if convErr != nil {
		return nil, invalidArgument(convErr)
	}
	if err := model.ValidateTestExecutionRequest(execReq); err != nil {
		return nil, invalidArgument(err)
	}

	if _, err := h.gw.EnqueueTestExecution(ctx, execReq); err != nil {
		return nil, h.storageError(ctx, "enqueue test execution", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "versioned test not found"},
		})
	}
	return &ollyllmv1.Ack{}, nil
}

// ReportLogs attaches log lines to existing spans, all or nothing.
func (h *Handlers) ReportLogs(ctx context.Context, req *ollyllmv1.ReportLogsRequest) (*ollyllmv1.Ack, error) {
	logs := logsFromWire(req.Logs)
	if err := model.ValidateLogBatch(logs); err != nil {
		return nil, invalidArgument(err)
	}

	if _, err := h.gw.InsertLogs(ctx, logs); err != nil {
		return nil, h.storageError(ctx, "insert logs", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "span not found"},
		})
	}
	return &ollyllmv1.Ack{}, nil
}

// RegisterTest stores a test registration and returns its id.
func (h *Handlers) RegisterTest(ctx context.Context, req *ollyllmv1.RegisterTestRequest) (*ollyllmv1.RegisterTestResponse, error) {
	reg := model.TestRegistration{BlobURL: req.BlobURL, Metadata: req.Metadata}
	if err := model.ValidateTestRegistration(reg); err != nil {
		return nil, invalidArgument(err)
	}

	created, err := h.gw.CreateTestRegistration(ctx, reg)
	if err != nil {
		return nil, h.storageError(ctx, "create test registration", err, nil)
	}
	return &ollyllmv1.RegisterTestResponse{ID: created.ID}, nil
}

// CreateTestVersion adds a version to an existing registration.
func (h *Handlers) CreateTestVersion(ctx context.Context, req *ollyllmv1.CreateTestVersionRequest) (*ollyllmv1.CreateTestVersionResponse, error) {
	v := model.TestVersion{TestRegistrationID: req.TestRegistrationID, Name: req.Name, Version: req.Version}
	if err := model.ValidateTestVersion(v); err != nil {
		return nil, invalidArgument(err)
	}

	created, err := h.gw.CreateTestVersion(ctx, v)
	if err != nil {
		return nil, h.storageError(ctx, "create test version", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "test registration not found"},
			storage.ErrConflict: {codes.AlreadyExists, "test version already exists"},
		})
	}
	return &ollyllmv1.CreateTestVersionResponse{ID: created.ID}, nil
}

// ClaimTest hands the oldest queued test to the calling worker. An empty
// queue is a normal outcome, reported with Found=false.
func (h *Handlers) ClaimTest(ctx context.Context, req *ollyllmv1.ClaimTestRequest) (*ollyllmv1.ClaimTestResponse, error) {
	if err := model.ValidateWorkerID(req.WorkerID); err != nil {
		return nil, invalidArgument(err)
	}

	q, err := h.gw.FetchNextQueuedTest(ctx, req.WorkerID)
	if errors.Is(err, storage.ErrQueueEmpty) {
		return &ollyllmv1.ClaimTestResponse{}, nil
	}
	if err != nil {
		return nil, h.storageError(ctx, "fetch next queued test", err, nil)
	}
	return &ollyllmv1.ClaimTestResponse{Found: true, Test: queuedTestToWire(q)}, nil
}

// FinishTest records the terminal status of a claimed entry.
func (h *Handlers) FinishTest(ctx context.Context, req *ollyllmv1.FinishTestRequest) (*ollyllmv1.Ack, error) {
	var merr *multierror.Error
	if req.QueueID <= 0 {
		merr = multierror.Append(merr, &model.FieldError{Field: "queue_id", Description: "must be positive"})
	}
	merr = multierror.Append(merr, model.ValidateWorkerID(req.WorkerID))
	st, ok := model.ParseQueueStatus(req.Status)
	if !ok || !st.Terminal() {
		merr = multierror.Append(merr, &model.FieldError{
			Field:       "status",
			Description: "must be one of completed, failed, abandoned",
		})
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, invalidArgument(err)
	}

	if _, err := h.gw.FinishQueuedTest(ctx, req.QueueID, req.WorkerID, st); err != nil {
		return nil, h.storageError(ctx, "finish queued test", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "queue entry not found"},
		})
	}
	return &ollyllmv1.Ack{}, nil
}

// GetTrace returns every stored span of a trace with the ids of spans whose
// parent has not been reported.
func (h *Handlers) GetTrace(ctx context.Context, req *ollyllmv1.GetTraceRequest) (*ollyllmv1.GetTraceResponse, error) {
	if err := model.ValidateTraceID(req.TraceID); err != nil {
		return nil, invalidArgument(err)
	}

	tr, err := h.traces.Get(ctx, req.TraceID, req.IncludeLogs)
	if err != nil {
		return nil, h.storageError(ctx, "get trace", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "trace not found"},
		})
	}

	resp := &ollyllmv1.GetTraceResponse{
		Spans:     make([]ollyllmv1.Span, len(tr.Spans)),
		OrphanIDs: tr.OrphanIDs,
		Logs:      logsToWire(tr.Logs),
	}
	for i, s := range tr.Spans {
		resp.Spans[i] = spanToWire(s)
	}
	if len(tr.Forest.Detached) > 0 {
		h.logger.Warn("rpc: trace contains a parent cycle", "trace_id", req.TraceID, "spans", len(tr.Forest.Detached))
	}
	return resp, nil
}

// GetTest returns a registration with its versions, or with the single
// requested version. Workers use it to locate the artifact of a claimed entry.
func (h *Handlers) GetTest(ctx context.Context, req *ollyllmv1.GetTestRequest) (*ollyllmv1.GetTestResponse, error) {
	var merr *multierror.Error
	if req.TestRegistrationID <= 0 {
		merr = multierror.Append(merr, &model.FieldError{Field: "test_registration_id", Description: "must be positive"})
	}
	if req.Version != "" {
		merr = multierror.Append(merr, model.ValidateVersionLabel(req.Version))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, invalidArgument(err)
	}

	reg, err := h.gw.GetTestRegistration(ctx, req.TestRegistrationID)
	if err != nil {
		return nil, h.storageError(ctx, "get test registration", err, map[error]failure{
			storage.ErrNotFound: {codes.NotFound, "test registration not found"},
		})
	}

	var versions []model.TestVersion
	if req.Version != "" {
		v, err := h.gw.GetTestVersion(ctx, req.TestRegistrationID, req.Version)
		if err != nil {
			return nil, h.storageError(ctx, "get test version", err, map[error]failure{
				storage.ErrNotFound: {codes.NotFound, "test version not found"},
			})
		}
		versions = []model.TestVersion{v}
	} else if versions, err = h.gw.ListTestVersions(ctx, req.TestRegistrationID); err != nil {
		return nil, h.storageError(ctx, "list test versions", err, nil)
	}

	return &ollyllmv1.GetTestResponse{
		Registration: registrationToWire(reg),
		Versions:     versionsToWire(versions),
	}, nil
}
